package events

import "github.com/pingsantohq/pingwatch/pkg/types"

type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

// Func adapts a plain function to Recorder.
type Func func(types.Event)

func (f Func) Record(event types.Event) {
	if f != nil {
		f(event)
	}
}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}
