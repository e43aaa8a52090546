// Package proto defines the line-delimited JSON wire schema exchanged with the
// cluster harness: an envelope addressed between two node ids carrying a body
// whose payload is one of a closed set of typed messages.
package proto
