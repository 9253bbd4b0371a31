package estimation

import "time"

// MetricsCollector receives coordinator and fan-out measurements.
type MetricsCollector interface {
	RecordOperation(operation string, success bool, duration time.Duration)
	RecordPublish(event EventType)
	RecordSessionsExpired(count int)
}

// NoOpMetricsCollector is used when metrics aren't configured
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordOperation(operation string, success bool, duration time.Duration) {}
func (NoOpMetricsCollector) RecordPublish(event EventType)                                          {}
func (NoOpMetricsCollector) RecordSessionsExpired(count int)                                        {}
