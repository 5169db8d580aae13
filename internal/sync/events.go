package sync

import (
	stdsync "sync"
	"time"
)

// EventType names a coordinator event.
type EventType string

const (
	EventProgress   EventType = "progress"
	EventStatus     EventType = "status"
	EventConnection EventType = "connection"
	EventAuth       EventType = "auth"
)

// Event is delivered to subscribers. Data is a models.SyncProgress,
// QueueStatus, models.ConnectionStatus or AuthStatus depending on Type.
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// AuthStatus is the payload of auth events.
type AuthStatus struct {
	Kind           string `json:"kind"`
	TenantID       string `json:"tenant_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	ReauthRequired bool   `json:"reauth_required"`
}

// broadcaster fans events out to subscribers. Delivery never blocks: a
// subscriber whose buffer is full loses its oldest event.
type broadcaster struct {
	mu     stdsync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[uint64]chan Event)}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once stdsync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Full: drop the oldest, then deliver.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
