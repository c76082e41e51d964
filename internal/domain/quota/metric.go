package quota

import (
	"fmt"
)

// Metric identifies the usage dimension a quota caps
type Metric string

const (
	// MetricRequests counts units of work
	MetricRequests Metric = "requests"

	// MetricTokens counts input+output tokens
	MetricTokens Metric = "tokens"

	// MetricSpendCents counts spend in integer cents; monetary budgets with
	// decimal precision live on VirtualKey/Team, this metric is for coarse
	// windowed caps.
	MetricSpendCents Metric = "spend_cents"
)

// String returns the string representation of Metric
func (m Metric) String() string {
	return string(m)
}

// IsValid returns true if the metric is valid
func (m Metric) IsValid() bool {
	switch m {
	case MetricRequests, MetricTokens, MetricSpendCents:
		return true
	}
	return false
}

// ParseMetric parses a metric name
func ParseMetric(s string) (Metric, error) {
	m := Metric(s)
	if !m.IsValid() {
		return "", fmt.Errorf("unknown quota metric %q", s)
	}
	return m, nil
}
