// Package registry tracks this process's active streaming subscribers,
// keyed by group, and fans delivered events into their mailboxes.
//
// The registry is purely local: it knows nothing about the bus or about
// subscribers held by other processes. The bridge delivers into it; the
// streaming sessions consume from it.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/grouprelay/relay-server/internal/envelope"
)

var log = logging.Logger("relay-registry")

// Subscription is the read handle a streaming session holds on one
// registered subscriber. The registry retains ownership; sessions must
// release it with Registry.Unsubscribe when they are done.
type Subscription struct {
	Group string
	ID    uint64

	mbox *mailbox
}

// Events is the stream of pending events for this subscriber. The
// channel is closed when the subscriber is unsubscribed.
func (s *Subscription) Events() <-chan envelope.Event {
	return s.mbox.out
}

// Pending reports how many delivered events the session has not yet
// consumed. Monitoring only; mailboxes are unbounded.
func (s *Subscription) Pending() int {
	return s.mbox.Len()
}

// Registry is the process-local group table. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]map[uint64]*mailbox
	nextID atomic.Uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		groups: make(map[string]map[uint64]*mailbox),
	}
}

// Subscribe registers a new subscriber under group, creating the group
// entry if absent. It always succeeds: mailboxes are unbounded and
// group names are opaque.
func (r *Registry) Subscribe(group string) *Subscription {
	id := r.nextID.Add(1)
	mbox := newMailbox()

	r.mu.Lock()
	subs, ok := r.groups[group]
	if !ok {
		subs = make(map[uint64]*mailbox)
		r.groups[group] = subs
	}
	subs[id] = mbox
	r.mu.Unlock()

	log.Debugf("subscribed id=%d group=%s", id, group)
	return &Subscription{Group: group, ID: id, mbox: mbox}
}

// Unsubscribe removes a subscriber and closes its mailbox for writing.
// Idempotent: unknown groups or ids are a silent no-op. The group entry
// is removed in the same critical section as the last removal, so a
// concurrent Subscribe on the group is never lost.
func (r *Registry) Unsubscribe(group string, id uint64) {
	r.mu.Lock()
	subs, ok := r.groups[group]
	if !ok {
		r.mu.Unlock()
		return
	}
	mbox, ok := subs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.groups, group)
	}
	r.mu.Unlock()

	mbox.Close()
	log.Debugf("unsubscribed id=%d group=%s", id, group)
}

// Deliver writes an event to every subscriber registered under group at
// call time, or to every subscriber in every group when group is the
// broadcast sentinel. No local subscribers is not an error: other
// processes may hold them. Each mailbox is attempted independently; a
// closed mailbox never blocks delivery to the rest.
func (r *Registry) Deliver(group string, ev envelope.Event) {
	var targets []*mailbox
	r.mu.RLock()
	if group == envelope.Broadcast {
		for _, subs := range r.groups {
			for _, mbox := range subs {
				targets = append(targets, mbox)
			}
		}
	} else {
		for _, mbox := range r.groups[group] {
			targets = append(targets, mbox)
		}
	}
	r.mu.RUnlock()

	for _, mbox := range targets {
		mbox.Put(ev)
	}
}

// Count returns the number of local subscribers under group.
func (r *Registry) Count(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}

// Groups returns the names of all groups with at least one local
// subscriber, sorted for stable output.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.groups))
	for g := range r.groups {
		names = append(names, g)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Snapshot is a point-in-time view of registry state for diagnostics.
// It is derived on demand and is never a source of truth.
type Snapshot struct {
	TakenAt         time.Time      `json:"taken_at"`
	GroupCount      int            `json:"group_count"`
	SubscriberCount int            `json:"subscriber_count"`
	Groups          map[string]int `json:"groups"`
}

// Snapshot computes a diagnostics snapshot of the current group table.
func (r *Registry) Snapshot() Snapshot {
	snap := Snapshot{
		TakenAt: time.Now().UTC(),
		Groups:  make(map[string]int),
	}

	r.mu.RLock()
	for g, subs := range r.groups {
		snap.Groups[g] = len(subs)
		snap.SubscriberCount += len(subs)
	}
	snap.GroupCount = len(snap.Groups)
	r.mu.RUnlock()

	return snap
}
