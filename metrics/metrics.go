package metrics

import "time"

// Metric names recorded by the payment core.
const (
	PaymentOperation  = "payment_operation"
	PaymentEvent      = "payment_event"
	GatewayActivation = "gateway_activation"
	GatewayRetry      = "gateway_retry"
	RepositoryLatency = "repository"
	TransferIgnored   = "transfer_ignored"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Since observes the time elapsed from start under name.
func Since(r Recorder, name string, start time.Time, labels map[string]string) {
	r.ObserveLatency(name, time.Since(start), labels)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
