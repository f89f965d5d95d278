package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"classcal/internal/reminder"
)

// Pending is a reminder waiting in a Memory dispatcher.
type Pending struct {
	ID      string           `json:"id"`
	Scope   string           `json:"scope"`
	FireAt  time.Time        `json:"fireAt"`
	Payload reminder.Payload `json:"payload"`
}

// Memory keeps scheduled reminders in process. It never fires anything by
// itself; callers drain it with Due.
type Memory struct {
	mu      sync.Mutex
	pending map[string]Pending
}

func NewMemory() *Memory {
	return &Memory{pending: make(map[string]Pending)}
}

func (m *Memory) Schedule(_ context.Context, fireAt time.Time, p reminder.Payload) (string, error) {
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[id] = Pending{ID: id, Scope: p.Data[reminder.ScopeKey], FireAt: fireAt, Payload: p}
	return id, nil
}

func (m *Memory) CancelAll(_ context.Context, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pending {
		if p.Scope == scope {
			delete(m.pending, id)
		}
	}
	return nil
}

// Pending returns the reminders of scope ordered by fire time.
func (m *Memory) Pending(scope string) []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Pending
	for _, p := range m.pending {
		if p.Scope == scope {
			out = append(out, p)
		}
	}
	sortPending(out)
	return out
}

func sortPending(ps []Pending) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].FireAt.Equal(ps[j].FireAt) {
			return ps[i].FireAt.Before(ps[j].FireAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
