package metrics

// QueueRecorder observes the alert delivery queue.
type QueueRecorder interface {
	ObserveQueueDepth(depth int)
	IncQueueDrops()
}

type NoopQueueRecorder struct{}

func (NoopQueueRecorder) ObserveQueueDepth(depth int) {}
func (NoopQueueRecorder) IncQueueDrops()              {}
