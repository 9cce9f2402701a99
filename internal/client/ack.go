package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vovakirdan/wirechat-companion/internal/proto"
)

// DefaultAckTimeout is slightly longer than the server's generation timeout
// so a slow reply still resolves as a real ack.
const DefaultAckTimeout = 65 * time.Second

// ErrAckTimeout means no acknowledgment arrived in time. The message may or
// may not have been accepted.
var ErrAckTimeout = errors.New("unknown_ack_outcome: no acknowledgment before the deadline")

// AckStatus is the outcome of a send or continue.
type AckStatus int

const (
	AckOK AckStatus = iota
	AckFailed
	AckTimeout
)

func (s AckStatus) String() string {
	switch s {
	case AckOK:
		return "ok"
	case AckFailed:
		return "failed"
	case AckTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// AckResult is what a caller gets back for one acknowledged operation.
// Code, Max and HTTPStatus are set only for AckFailed.
type AckResult struct {
	ID         string
	Status     AckStatus
	Code       string
	Max        int
	HTTPStatus int
}

// pendingSend is an operation waiting for its ack. It lives in memory only.
type pendingSend struct {
	ID        string
	RoomID    string
	Payload   any
	CreatedAt time.Time
	Deadline  time.Time
	result    chan AckResult
}

type ackTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingSend
	timeout time.Duration
	now     func() time.Time
}

func newAckTracker(timeout time.Duration) *ackTracker {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	return &ackTracker{
		pending: make(map[string]*pendingSend),
		timeout: timeout,
		now:     time.Now,
	}
}

func (t *ackTracker) register(roomID string, payload any) *pendingSend {
	now := t.now()
	p := &pendingSend{
		ID:        ulid.Make().String(),
		RoomID:    roomID,
		Payload:   payload,
		CreatedAt: now,
		Deadline:  now.Add(t.timeout),
		result:    make(chan AckResult, 1),
	}
	t.mu.Lock()
	t.pending[p.ID] = p
	t.mu.Unlock()
	return p
}

// resolve delivers an ack to its waiter. It reports false for unknown ids,
// which includes acks that arrive after their deadline.
func (t *ackTracker) resolve(id string, data proto.AckData) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if !ok {
		return false
	}

	res := AckResult{ID: id, Status: AckOK}
	if !data.OK {
		res.Status = AckFailed
		res.Code = data.Error
		res.Max = data.Max
		res.HTTPStatus = data.Status
	}
	p.result <- res
	return true
}

func (t *ackTracker) drop(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *ackTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// wait blocks until the ack arrives, the deadline passes or ctx ends.
func (t *ackTracker) wait(ctx context.Context, p *pendingSend) (AckResult, error) {
	timer := time.NewTimer(time.Until(p.Deadline))
	defer timer.Stop()

	select {
	case res := <-p.result:
		return res, nil
	case <-timer.C:
		t.drop(p.ID)
		return AckResult{ID: p.ID, Status: AckTimeout}, ErrAckTimeout
	case <-ctx.Done():
		t.drop(p.ID)
		return AckResult{ID: p.ID, Status: AckTimeout}, ctx.Err()
	}
}
