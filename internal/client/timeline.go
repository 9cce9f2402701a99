package client

import (
	"sync"

	"github.com/vovakirdan/wirechat-companion/internal/proto"
)

// Delivery is the state of a message the local user sent.
type Delivery int

const (
	DeliveryPending Delivery = iota
	DeliveryConfirmed
	DeliveryFailed
	// DeliveryUnknown means no ack arrived; the server may still have it.
	DeliveryUnknown
)

func (d Delivery) String() string {
	switch d {
	case DeliveryPending:
		return "pending"
	case DeliveryConfirmed:
		return "confirmed"
	case DeliveryFailed:
		return "failed"
	case DeliveryUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Timeline is the locally rendered message list of one room, oldest first.
// Messages sent from this client appear immediately as local entries keyed
// by their correlation id until page 1 replaces them with persisted copies.
type Timeline struct {
	mu       sync.Mutex
	roomID   string
	messages []proto.Message
	seen     map[string]struct{}
	local    map[string]Delivery
	page     int
	hasMore  bool
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		seen:    make(map[string]struct{}),
		local:   make(map[string]Delivery),
		page:    1,
		hasMore: true,
	}
}

// Reset restarts pagination for roomID. Messages of the same room stay
// visible until page 1 replaces them.
func (t *Timeline) Reset(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if roomID != t.roomID {
		t.messages = nil
		t.seen = make(map[string]struct{})
		t.local = make(map[string]Delivery)
	}
	t.roomID = roomID
	t.page = 1
	t.hasMore = true
}

// ApplyPage merges a history page. Page 1 replaces the list; later pages are
// prepended. Pages of another room are ignored.
func (t *Timeline) ApplyPage(p proto.EventHistoryData) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p.RoomID != t.roomID {
		return false
	}

	if p.Page <= 1 {
		t.messages = t.messages[:0]
		t.seen = make(map[string]struct{}, len(p.Messages))
		t.local = make(map[string]Delivery)
		for _, m := range p.Messages {
			t.addLocked(m)
		}
		t.page = 1
	} else {
		older := make([]proto.Message, 0, len(p.Messages))
		for _, m := range p.Messages {
			if _, dup := t.seen[m.ID]; dup {
				continue
			}
			t.seen[m.ID] = struct{}{}
			older = append(older, m)
		}
		t.messages = append(older, t.messages...)
		t.page = p.Page
	}
	t.hasMore = p.HasMore
	return true
}

// Append adds a live message. It reports false for duplicates and for
// messages of another room.
func (t *Timeline) Append(m proto.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m.RoomID != "" && m.RoomID != t.roomID {
		return false
	}
	return t.addLocked(m)
}

// AddLocal appends a message sent from this client in the pending state.
func (t *Timeline) AddLocal(m proto.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m.ID == "" || m.RoomID != t.roomID {
		return false
	}
	if !t.addLocked(m) {
		return false
	}
	t.local[m.ID] = DeliveryPending
	return true
}

// MarkDelivery records the outcome of a local entry. It reports false when
// the entry is gone, e.g. replaced by a page 1 reload.
func (t *Timeline) MarkDelivery(id string, d Delivery) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.local[id]; !ok {
		return false
	}
	t.local[id] = d
	return true
}

// Delivery returns the state of a local entry.
func (t *Timeline) Delivery(id string) (Delivery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.local[id]
	return d, ok
}

func (t *Timeline) addLocked(m proto.Message) bool {
	if m.ID != "" {
		if _, dup := t.seen[m.ID]; dup {
			return false
		}
		t.seen[m.ID] = struct{}{}
	}
	t.messages = append(t.messages, m)
	return true
}

// Messages returns a copy of the list.
func (t *Timeline) Messages() []proto.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]proto.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Room returns the room the timeline belongs to.
func (t *Timeline) Room() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roomID
}

// HasMore reports whether older pages may exist.
func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// NextPage is the page to request for older messages.
func (t *Timeline) NextPage() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.page + 1
}
