package engine

import (
	"time"

	"github.com/specnet-ai/specviz/internal/model"
)

// maxStatusEvents bounds the activity feed; oldest entries are evicted first.
const maxStatusEvents = 5

// eventLog is the bounded FIFO of recent status events. IDs are unique and
// increasing within one engine instance.
type eventLog struct {
	nextID  uint64
	entries []model.StatusEvent
}

func (l *eventLog) append(kind model.EventKind, token string, at time.Time) {
	l.nextID++
	l.entries = append(l.entries, model.StatusEvent{
		ID:        l.nextID,
		Kind:      kind,
		Token:     token,
		Timestamp: at,
	})
	if len(l.entries) > maxStatusEvents {
		l.entries = l.entries[len(l.entries)-maxStatusEvents:]
	}
}

// snapshot returns a copy safe to hand to observers.
func (l *eventLog) snapshot() []model.StatusEvent {
	out := make([]model.StatusEvent, len(l.entries))
	copy(out, l.entries)
	return out
}
