// Package gossip implements push-based anti-entropy for the broadcast value
// set. A node pushes to each topology neighbor the values that neighbor has
// not reported holding, plus a random sample of values it has reported, so
// that a lost push is eventually repaired by a later one.
//
// Limitations:
// - Acknowledgement is inferred from the neighbor's last push only
// - No retries; redundancy comes from the resend sample
// - Topology is static once received (last write wins)
package gossip
