// Package storage provides the node-local value set: every broadcast value
// this node has observed, directly or through gossip. The set only grows.
package storage
