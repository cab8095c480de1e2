package stream

import (
	"context"
	"sync"
	"time"

	"github.com/ahsinil/meal-pass/internal/redemption"
)

// RedemptionEvent is pushed to live dashboards whenever a meal is confirmed.
type RedemptionEvent struct {
	ID         int64     `json:"id"`
	SessionID  int64     `json:"session_id"`
	IdentityID int64     `json:"identity_id"`
	OfficerID  int64     `json:"officer_id"`
	Method     string    `json:"method"`
	Overridden bool      `json:"overridden"`
	PickedAt   time.Time `json:"picked_at"`
}

// Stream fan-outs redemption events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan RedemptionEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan RedemptionEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan RedemptionEvent {
	ch := make(chan RedemptionEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Subscribers reports how many clients are attached.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt RedemptionEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// PublishRedemption satisfies redemption.Publisher.
func (s *Stream) PublishRedemption(rec redemption.Record) {
	s.Publish(RedemptionEvent{
		ID:         rec.ID,
		SessionID:  rec.SessionID,
		IdentityID: rec.IdentityID,
		OfficerID:  rec.OfficerID,
		Method:     string(rec.Method),
		Overridden: rec.Overridden,
		PickedAt:   rec.PickedAt,
	})
}
