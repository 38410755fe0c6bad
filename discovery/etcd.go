// Package discovery registers participants in etcd and lets the
// coordinator follow the registered set.
//
// Each participant owns one key, <prefix><id> = <addr>, held by a lease it
// keeps alive. A participant that stops disappears when its lease expires.
// A restarted participant registers under a fresh lease, which the
// coordinator treats as a new registration even if the address is the same.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/membership"
)

// Peers maps each registered participant to its registration.
type Peers = map[fl.ParticipantID]membership.Registration

const DefaultPrefix = "/fedledger/participants/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func Key(prefix string, id fl.ParticipantID) string {
	return normalizePrefix(prefix) + id.String()
}

// ParseKey extracts the participant id from a registry key.
func ParseKey(prefix, key string) (fl.ParticipantID, bool) {
	id, ok := strings.CutPrefix(key, normalizePrefix(prefix))
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return fl.ParticipantID(id), true
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// Register publishes id at addr under a ttl-second lease and keeps the lease
// alive until ctx is cancelled. The returned func revokes the lease.
func Register(ctx context.Context, cli *clientv3.Client, prefix string, id fl.ParticipantID, addr string, ttl int64) (func(context.Context) error, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("discovery: grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, Key(prefix, id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", id, err)
	}
	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return nil, fmt.Errorf("discovery: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	revoke := func(ctx context.Context) error {
		_, err := cli.Revoke(ctx, lease.ID)
		return err
	}
	return revoke, nil
}

// List returns the registered participants.
func List(ctx context.Context, kv clientv3.KV, prefix string) (Peers, error) {
	peers, _, err := list(ctx, kv, prefix)
	return peers, err
}

func registration(item *mvccpb.KeyValue) membership.Registration {
	epoch := item.Lease
	if epoch == 0 {
		epoch = item.CreateRevision
	}
	return membership.Registration{Addr: string(item.Value), Epoch: epoch}
}

func list(ctx context.Context, kv clientv3.KV, prefix string) (Peers, int64, error) {
	resp, err := kv.Get(ctx, normalizePrefix(prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("discovery: list: %w", err)
	}
	peers := make(Peers, len(resp.Kvs))
	for _, item := range resp.Kvs {
		if id, ok := ParseKey(prefix, string(item.Key)); ok {
			peers[id] = registration(item)
		}
	}
	return peers, resp.Header.GetRevision(), nil
}

// Watch calls fn with the full participant set now and after every change,
// until ctx is done.
func Watch(ctx context.Context, cli *clientv3.Client, prefix string, fn func(Peers)) error {
	peers, rev, err := list(ctx, cli, prefix)
	if err != nil {
		return err
	}
	fn(maps.Clone(peers))

	wch := cli.Watch(ctx, normalizePrefix(prefix), clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("discovery: watch: %w", err)
		}
		if apply(peers, prefix, resp.Events) {
			fn(maps.Clone(peers))
		}
	}
	return ctx.Err()
}

// apply folds watch events into peers and reports whether anything changed.
func apply(peers Peers, prefix string, events []*clientv3.Event) bool {
	changed := false
	for _, ev := range events {
		id, ok := ParseKey(prefix, string(ev.Kv.Key))
		if !ok {
			continue
		}
		switch ev.Type {
		case mvccpb.PUT:
			if reg := registration(ev.Kv); peers[id] != reg {
				peers[id] = reg
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}

// WatchFunc delivers participant snapshots to fn until it fails or ctx ends.
type WatchFunc func(ctx context.Context, fn func(Peers)) error

var errWatchEnded = errors.New("discovery: watch ended before the first snapshot")

// Follow runs watch in the background and returns once the first snapshot
// has reached fn. If watch fails first, Follow returns that error. The
// returned channel yields the error that eventually ends the watch.
func Follow(ctx context.Context, watch WatchFunc, fn func(Peers)) (<-chan error, error) {
	first := make(chan struct{})
	done := make(chan error, 1)
	var once sync.Once
	go func() {
		done <- watch(ctx, func(p Peers) {
			fn(p)
			once.Do(func() { close(first) })
		})
	}()

	select {
	case <-first:
		return done, nil
	case err := <-done:
		select {
		case <-first:
			// delivered, then ended straight away
			ended := make(chan error, 1)
			ended <- err
			return ended, nil
		default:
		}
		if err == nil {
			err = errWatchEnded
		}
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
