package metrics

type Counter interface {
	Inc()
}

// Metrics collects the pipeline counters. Construction chooses the backend;
// callers only see Counter.
type Metrics struct {
	EventsProcessed    Counter
	SignalsGenerated   Counter
	OrdersExecuted     Counter
	OrdersRejected     Counter
	OrdersFailed       Counter
	IngesterReconnects Counter
	Errors             Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		EventsProcessed:    n,
		SignalsGenerated:   n,
		OrdersExecuted:     n,
		OrdersRejected:     n,
		OrdersFailed:       n,
		IngesterReconnects: n,
		Errors:             n,
	}
}
