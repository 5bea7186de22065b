// Package fanout keeps the set of live per-user subscriptions and delivers
// store events to them.
package fanout

import (
	"sync"

	"github.com/romanborysenkov/IoT-Project/internal/model"
	"github.com/romanborysenkov/IoT-Project/internal/observability"
)

// DefaultBuffer is the per-subscription event backlog.
const DefaultBuffer = 64

// Subscription receives the events for one user. Events is closed when the
// subscription is removed, either by Unsubscribe or because it fell behind.
type Subscription struct {
	UserID int64

	events chan model.Event
	once   sync.Once
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan model.Event { return s.events }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.events) })
}

// Registry maps user ids to their live subscriptions.
type Registry struct {
	mu    sync.RWMutex
	users map[int64]map[*Subscription]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[int64]map[*Subscription]struct{})}
}

// Subscribe registers a new subscription for userID.
func (r *Registry) Subscribe(userID int64, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{UserID: userID, events: make(chan model.Event, buffer)}

	r.mu.Lock()
	set, ok := r.users[userID]
	if !ok {
		set = make(map[*Subscription]struct{})
		r.users[userID] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()

	observability.LiveSubscribers.Inc()
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call more
// than once and after the registry dropped sub on its own.
func (r *Registry) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	removed := r.remove(sub)
	r.mu.Unlock()
	if removed {
		observability.LiveSubscribers.Dec()
	}
	sub.close()
}

// remove must be called with mu held for writing.
func (r *Registry) remove(sub *Subscription) bool {
	set, ok := r.users[sub.UserID]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(r.users, sub.UserID)
	}
	return true
}

// Notify delivers each record to every subscription of its owner. A
// subscription whose buffer is full is removed and closed rather than
// blocking the caller. It returns the number of deliveries made.
func (r *Registry) Notify(recs ...model.StoredRecord) int {
	var (
		delivered int
		stale     map[*Subscription]struct{}
	)

	r.mu.RLock()
	for _, rec := range recs {
		for sub := range r.users[rec.UserID] {
			if _, dropped := stale[sub]; dropped {
				continue
			}
			select {
			case sub.events <- model.NewDataEvent(rec):
				delivered++
				observability.EventsDelivered.WithLabelValues("delivered").Inc()
			default:
				observability.EventsDelivered.WithLabelValues("dropped").Inc()
				if stale == nil {
					stale = make(map[*Subscription]struct{})
				}
				stale[sub] = struct{}{}
			}
		}
	}
	r.mu.RUnlock()

	for sub := range stale {
		r.Unsubscribe(sub)
	}
	return delivered
}

// Count returns the number of live subscriptions for userID.
func (r *Registry) Count(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// Close removes and closes every subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	var all []*Subscription
	for _, set := range r.users {
		for sub := range set {
			all = append(all, sub)
		}
	}
	r.users = make(map[int64]map[*Subscription]struct{})
	r.mu.Unlock()

	for _, sub := range all {
		observability.LiveSubscribers.Dec()
		sub.close()
	}
}
