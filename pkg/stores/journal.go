package stores

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sift/pkg/events"
)

// Journal persists every event published on a bus. Writes happen on a
// background goroutine so bus delivery never waits on the database.
type Journal struct {
	store  Store
	logger zerolog.Logger
	queue  chan events.Event
	sub    *events.Subscription
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewJournal subscribes to every event on bus. bufferSize bounds the pending
// queue; events arriving while it is full are dropped with a warning.
func NewJournal(store Store, bus *events.Bus, bufferSize int, logger zerolog.Logger) *Journal {
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	j := &Journal{
		store:  store,
		logger: logger.With().Str("component", "journal").Logger(),
		queue:  make(chan events.Event, bufferSize),
		done:   make(chan struct{}),
	}

	go j.run()
	j.sub = bus.Subscribe(events.Wildcard, j.enqueue)

	return j
}

func (j *Journal) enqueue(ev events.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}

	select {
	case j.queue <- ev:
	default:
		j.logger.Warn().
			Str("event_type", ev.Type).
			Str("event_id", ev.ID).
			Msg("Journal queue full, dropping event")
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for ev := range j.queue {
		if err := j.store.AppendEvent(context.Background(), ev); err != nil {
			j.logger.Error().
				Err(err).
				Str("event_type", ev.Type).
				Msg("Failed to journal event")
		}
	}
}

// Close unsubscribes and waits for queued events to be written or ctx to end.
func (j *Journal) Close(ctx context.Context) error {
	j.sub.Unsubscribe()

	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
