// Package node implements a single cluster participant: the dispatcher that
// answers harness requests and applies gossip, and the event loop that
// serializes inbound lines, gossip timer ticks and admin requests so that node
// state is only ever touched from one goroutine.
package node
