package rounds

import (
	"sync"

	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/membership"
	"github.com/ryandielhenn/fedledger/pkg/participant"
	"github.com/ryandielhenn/fedledger/pkg/ring"
)

// Dialer builds a client for a participant discovered at addr.
type Dialer func(id fl.ParticipantID, addr string) participant.Client

// Pool is the set of participants a Runner draws cohorts from. It keeps the
// membership view, the cohort ring and the clients in step.
type Pool struct {
	members *membership.List
	ring    *ring.HashRing
	dial    Dialer

	mu      sync.RWMutex
	clients map[fl.ParticipantID]participant.Client
}

// NewPool tracks failures against maxFailures. dial may be nil when every
// participant is added with Add.
func NewPool(maxFailures int, dial Dialer) *Pool {
	return &Pool{
		members: membership.NewList(maxFailures),
		ring:    ring.New(0, nil),
		dial:    dial,
		clients: make(map[fl.ParticipantID]participant.Client),
	}
}

// Add registers c, reviving it if it was marked dead.
func (p *Pool) Add(c participant.Client, addr string) {
	p.mu.Lock()
	p.clients[c.ID()] = c
	p.mu.Unlock()
	p.members.Register(c.ID(), membership.Registration{Addr: addr})
	p.ring.Add(c.ID(), addr)
}

func (p *Pool) Remove(id fl.ParticipantID) {
	p.mu.Lock()
	delete(p.clients, id)
	p.mu.Unlock()
	p.members.Remove(id)
	p.ring.Remove(id)
}

// Sync replaces the pool with peers. New, moved and re-registered
// participants are dialed again and start Alive; it is the discovery watch
// callback. Without a Dialer a re-registered participant keeps its client
// and a new one is not admitted.
func (p *Pool) Sync(peers map[fl.ParticipantID]membership.Registration) {
	joined, left := p.members.Sync(peers)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range left {
		delete(p.clients, id)
		p.ring.Remove(id)
	}
	for _, id := range joined {
		addr := peers[id].Addr
		switch {
		case p.dial != nil:
			p.clients[id] = p.dial(id, addr)
		case p.clients[id] == nil:
			p.members.Remove(id)
			continue
		}
		p.ring.Add(id, addr)
	}
}

func (p *Pool) Len() int { return p.ring.Len() }

// Members reports the current membership view.
func (p *Pool) Members() []membership.Member { return p.members.All() }

// cohort returns the clients chosen for round: up to size participants by
// consistent hashing, minus the dead ones.
func (p *Pool) cohort(round fl.Round, size int) []participant.Client {
	eligible := make(map[fl.ParticipantID]bool)
	for _, m := range p.members.Eligible() {
		eligible[m.ID] = true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []participant.Client
	for _, id := range p.ring.Cohort(round, size) {
		if c, ok := p.clients[id]; ok && eligible[id] {
			out = append(out, c)
		}
	}
	return out
}

func (p *Pool) observe(id fl.ParticipantID, err error) (membership.State, bool) {
	return p.members.Observe(id, err)
}
