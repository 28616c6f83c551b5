// Package fitness computes the two fitness quantities of spec.md
// §4.F: P_ij, the per-neighbor delivery probability a node advertises
// in its Ping broadcasts, and election fitness, the value a node
// contributes to a Fitness ballot during an election.
package fitness

// Weights holds the non-negative w_cdc/w_col weights from
// spec.md §6. Values outside [0,1] are accepted at configuration time
// but Delivery clamps its result into [0,1] regardless.
type Weights struct {
	WCDC float64
	WCol float64
}

// Delivery computes P_ij: 1.0 when the node is currently Replicating,
// otherwise the weighted combination of the change-degree metric
// U_cdc and the collaboration indicator U_col, clamped into [0,1] so
// it remains usable directly as a broadcast threshold.
func Delivery(replicating bool, weights Weights, uCDC, uCol float64) float64 {
	if replicating {
		return 1.0
	}
	p := weights.WCDC*uCDC + weights.WCol*uCol
	if p < 0.0 {
		return 0.0
	}
	if p > 1.0 {
		return 1.0
	}
	return p
}

// UCol returns 1.0 iff a known replica holder lies within the
// h-hop neighborhood (i.e. the replica set is non-empty from this
// node's point of view), else 0.0.
func UCol(hasNearbyReplicaHolder bool) float64 {
	if hasNearbyReplicaHolder {
		return 1.0
	}
	return 0.0
}

// Election computes the fitness value a node contributes to its own
// Fitness ballot at the start of an election. The reference value is
// a constant 0.0 with a clear extension point for richer local
// metrics (free buffer space, mean delivery, centrality); the
// election algorithm depends only on two nodes rarely tying, not on
// the exact formula.
func Election() float64 {
	return 0.0
}

// Wins reports whether a challenger's fitness strictly exceeds the
// incumbent's, per spec.md §4.F's tie-break rule: the current holder
// keeps its role on a tie.
func Wins(challenger, incumbent float64) bool {
	return challenger > incumbent
}
