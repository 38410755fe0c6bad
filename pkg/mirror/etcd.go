package mirror

import (
	"context"
	"errors"
	"fmt"
	"path"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ryandielhenn/fedledger/discovery"
)

// ErrConflict means the remote document changed between read and write.
// The push is not retried; the next append carries the full journal again.
var ErrConflict = errors.New("mirror: concurrent update")

// Etcd keeps the journal under one key. The key's ModRevision is the version
// token; revision 0 means the key does not exist yet.
type Etcd struct {
	name string
	key  string
	kv   clientv3.KV
}

func NewEtcd(t Target, kv clientv3.KV) *Etcd {
	t = t.WithDefaults()
	return &Etcd{name: t.Name, key: etcdKey(t), kv: kv}
}

// DialEtcd connects to the target's endpoints. The returned func closes the
// client.
func DialEtcd(t Target) (*Etcd, func() error, error) {
	cli, err := discovery.NewClient(t.Endpoints)
	if err != nil {
		return nil, nil, fmt.Errorf("etcd mirror: %w", err)
	}
	return NewEtcd(t, cli), cli.Close, nil
}

func etcdKey(t Target) string {
	return path.Join("/", t.Owner, t.Collection, t.Branch, t.Path)
}

func (e *Etcd) Name() string { return e.name }
func (e *Etcd) Key() string  { return e.key }

func (e *Etcd) Push(ctx context.Context, doc []byte, _ int) error {
	resp, err := e.kv.Get(ctx, e.key)
	if err != nil {
		return fmt.Errorf("etcd get %s: %w", e.key, err)
	}
	var rev int64
	if len(resp.Kvs) > 0 {
		rev = resp.Kvs[0].ModRevision
	}
	txn, err := e.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(e.key), "=", rev)).
		Then(clientv3.OpPut(e.key, string(doc))).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd put %s: %w", e.key, err)
	}
	if !txn.Succeeded {
		return fmt.Errorf("etcd put %s: %w", e.key, ErrConflict)
	}
	return nil
}
