// Package notify wakes stream subscribers when a job gains new events. Notifications carry no
// data; subscribers re-read the store, so a dropped or duplicated wake-up is harmless.
package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type Notifier interface {
	Publish(ctx context.Context, jobID uuid.UUID) error
	// Subscribe returns a channel that receives at least one value after each Publish for jobID.
	// The returned func releases the subscription.
	Subscribe(jobID uuid.UUID) (<-chan struct{}, func(), error)
}

// Noop never wakes anyone. Subscribers fall back to their polling interval.
type Noop struct{}

func (Noop) Publish(context.Context, uuid.UUID) error { return nil }

func (Noop) Subscribe(uuid.UUID) (<-chan struct{}, func(), error) {
	return nil, func() {}, nil
}

// Local fans out wake-ups within one process.
type Local struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan struct{}]struct{}
}

func NewLocal() *Local {
	return &Local{subs: make(map[uuid.UUID]map[chan struct{}]struct{})}
}

func (l *Local) Publish(_ context.Context, jobID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[jobID] {
		wake(ch)
	}
	return nil
}

func (l *Local) Subscribe(jobID uuid.UUID) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	if l.subs[jobID] == nil {
		l.subs[jobID] = make(map[chan struct{}]struct{})
	}
	l.subs[jobID][ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs[jobID], ch)
			if len(l.subs[jobID]) == 0 {
				delete(l.subs, jobID)
			}
		})
	}
	return ch, cancel, nil
}

// wake does a non-blocking send; a pending wake-up already covers this one.
func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

var (
	_ Notifier = Noop{}
	_ Notifier = (*Local)(nil)
	_ Notifier = (*NATSNotifier)(nil)
)
