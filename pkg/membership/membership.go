// Package membership tracks the coordinator's view of registered
// participants and marks the ones that keep failing.
//
// A participant is Alive while it answers, Suspect after a failed call and
// Dead once it has failed MaxFailures rounds in a row. Dead participants are
// left out of rounds until they register again.
package membership

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/ryandielhenn/fedledger/pkg/fl"
)

type State uint8

const (
	StateAlive State = iota
	StateSuspect
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

// Registration is what a participant announces when it joins. Epoch
// changes every time the participant registers again, such as the etcd
// lease of a restarted process. Static participants use 0.
type Registration struct {
	Addr  string
	Epoch int64
}

type Member struct {
	ID          fl.ParticipantID
	Addr        string
	Epoch       int64
	Incarnation uint64 // bumped on every registration
	State       State
	Failures    int // consecutive failed rounds
	LastUpdate  time.Time
}

// DefaultMaxFailures applies when List is built with a non-positive limit.
const DefaultMaxFailures = 3

type List struct {
	maxFailures int
	now         func() time.Time

	mu      sync.RWMutex
	members map[fl.ParticipantID]*Member
}

func NewList(maxFailures int) *List {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &List{maxFailures: maxFailures, now: time.Now, members: make(map[fl.ParticipantID]*Member)}
}

// Register adds id or revives it with a new incarnation.
func (l *List) Register(id fl.ParticipantID, reg Registration) Member {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.register(id, reg)
}

func (l *List) register(id fl.ParticipantID, reg Registration) Member {
	m, ok := l.members[id]
	if !ok {
		m = &Member{ID: id}
		l.members[id] = m
	}
	m.Addr = reg.Addr
	m.Epoch = reg.Epoch
	m.Incarnation++
	m.State = StateAlive
	m.Failures = 0
	m.LastUpdate = l.now()
	return *m
}

func (l *List) Remove(id fl.ParticipantID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.members[id]; !ok {
		return false
	}
	delete(l.members, id)
	return true
}

// Sync makes the list match peers. Members missing from peers are removed.
// A member whose address and epoch are unchanged keeps its state; one that
// is new, moved or registered again starts Alive. joined lists the members
// registered by this call and left the removed ones, both ordered by id.
func (l *List) Sync(peers map[fl.ParticipantID]Registration) (joined, left []fl.ParticipantID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.members {
		if _, ok := peers[id]; !ok {
			delete(l.members, id)
			left = append(left, id)
		}
	}
	for id, reg := range peers {
		if m, ok := l.members[id]; ok && m.Addr == reg.Addr && m.Epoch == reg.Epoch {
			continue
		}
		l.register(id, reg)
		joined = append(joined, id)
	}
	slices.Sort(joined)
	slices.Sort(left)
	return joined, left
}

func (l *List) Get(id fl.ParticipantID) (Member, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// All returns every member ordered by id.
func (l *List) All() []Member {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Member, 0, len(l.members))
	for _, m := range l.members {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Member) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Eligible returns the members that are not Dead, ordered by id.
func (l *List) Eligible() []Member {
	all := l.All()
	return slices.DeleteFunc(all, func(m Member) bool { return m.State == StateDead })
}

// Observe records the outcome of a call to id. It returns the resulting
// state and whether it changed. Unknown ids are ignored.
func (l *List) Observe(id fl.ParticipantID, err error) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.members[id]
	if !ok {
		return StateDead, false
	}
	prev := m.State
	if err == nil {
		m.Failures = 0
		m.State = StateAlive
	} else {
		m.Failures++
		m.State = StateSuspect
		if m.Failures >= l.maxFailures {
			m.State = StateDead
		}
	}
	m.LastUpdate = l.now()
	return m.State, m.State != prev
}
