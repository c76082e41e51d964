package quota

// Decision is the structured outcome of a check-and-consume. A denial is the
// routine backpressure signal, not an error: callers map it to an
// over-quota response.
type Decision struct {
	Allowed       bool
	Metric        Metric
	Amount        int64
	ExceededScope *Scope // set when denied
	Remaining     int64  // headroom at the exceeded scope (0 when denied by it)
}

// Allow builds an allowed decision
func Allow(metric Metric, amount int64) Decision {
	return Decision{Allowed: true, Metric: metric, Amount: amount}
}

// Deny builds a denied decision identifying the scope that had no room
func Deny(metric Metric, amount int64, exceeded Scope, remaining int64) Decision {
	s := exceeded
	return Decision{
		Allowed:       false,
		Metric:        metric,
		Amount:        amount,
		ExceededScope: &s,
		Remaining:     remaining,
	}
}

// Denied returns true if the decision denies the operation
func (d Decision) Denied() bool {
	return !d.Allowed
}
