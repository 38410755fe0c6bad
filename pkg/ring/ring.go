// Package ring places participants on a consistent-hash ring so that each
// round can draw a stable cohort: the same round number over the same
// membership always picks the same participants, and membership changes
// only move the rounds that touched the changed member.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/ryandielhenn/fedledger/pkg/fl"
)

type Hasher func([]byte) uint32

type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32                    // sorted
	owners   map[uint32]fl.ParticipantID // point -> participant
	nodes    map[fl.ParticipantID]string // participant -> addr (metadata)
}

func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = FNV32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]fl.ParticipantID),
		nodes:    make(map[fl.ParticipantID]string),
	}
}

func (r *HashRing) Add(id fl.ParticipantID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; ok {
		r.nodes[id] = addr
		return
	}
	r.nodes[id] = addr
	// add virtual nodes
	for i := range r.replicas {
		pt := r.hash(pointKey(id, i))
		r.owners[pt] = id
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
}

func (r *HashRing) Remove(id fl.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return
	}
	delete(r.nodes, id)
	r.rebuild()
}

// Clear drops every participant.
func (r *HashRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.nodes)
	r.rebuild()
}

// rebuild recomputes points and owners from nodes. Callers hold mu.
func (r *HashRing) rebuild() {
	r.points = r.points[:0]
	clear(r.owners)
	for id := range r.nodes {
		for i := range r.replicas {
			pt := r.hash(pointKey(id, i))
			r.owners[pt] = id
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
}

func (r *HashRing) Lookup(key []byte) fl.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return ""
	}
	return r.owners[r.points[r.start(key)]]
}

// LookupN walks the ring clockwise from key and returns up to n distinct
// participants.
func (r *HashRing) LookupN(key []byte, n int) []fl.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.start(key)

	seen := make(map[fl.ParticipantID]struct{}, n)
	out := make([]fl.ParticipantID, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// first point >= hash(key), wrapping to 0
func (r *HashRing) start(key []byte) int {
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

// Cohort picks n participants for round. n <= 0 or n >= Len returns
// everyone. The result is sorted by id.
func (r *HashRing) Cohort(round fl.Round, n int) []fl.ParticipantID {
	var out []fl.ParticipantID
	if n <= 0 || n >= r.Len() {
		out = slices.Collect(maps.Keys(r.Nodes()))
	} else {
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], uint64(round))
		out = r.LookupN(key[:], n)
	}
	slices.Sort(out)
	return out
}

func (r *HashRing) Addr(id fl.ParticipantID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.nodes[id]
	return a, ok
}

// Nodes returns a copy of participant -> addr.
func (r *HashRing) Nodes() map[fl.ParticipantID]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.nodes)
}

func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// FNV32a is the default hasher.
func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(id fl.ParticipantID, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(id), buf[:]...)
}
