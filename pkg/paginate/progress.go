package paginate

// ProgressEvent reports merge progress after each batch.
type ProgressEvent struct {
	Current     int     `json:"current"`
	Total       int     `json:"total"`
	Percentage  float64 `json:"percentage"`
	BatchNumber int     `json:"batchNumber"`
}

// ProgressSink receives progress events. Implementations must not block;
// the engine publishes synchronously between batch fetches.
type ProgressSink interface {
	Publish(event ProgressEvent)
}

// ChanSink adapts a channel to a ProgressSink. Events are dropped when the
// channel is full so a slow consumer cannot stall pagination.
type ChanSink chan ProgressEvent

// Publish sends the event without blocking.
func (s ChanSink) Publish(event ProgressEvent) {
	select {
	case s <- event:
	default:
	}
}

// ProgressFunc adapts a plain function to a ProgressSink.
type ProgressFunc func(event ProgressEvent)

// Publish calls the wrapped function.
func (f ProgressFunc) Publish(event ProgressEvent) {
	f(event)
}
