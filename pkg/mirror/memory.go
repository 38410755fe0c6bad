package mirror

import (
	"context"
	"fmt"

	"github.com/ryandielhenn/fedledger/pkg/kv"
)

// Memory mirrors into an in-process kv.Store. It is meant for development
// and tests; several Memory mirrors may share one store.
type Memory struct {
	name  string
	key   string
	store *kv.Store
}

// NewMemory uses store, or a fresh one when store is nil.
func NewMemory(t Target, store *kv.Store) *Memory {
	if store == nil {
		store = kv.NewStore()
	}
	t = t.WithDefaults()
	return &Memory{name: t.Name, key: redisKey(t), store: store}
}

func (m *Memory) Name() string     { return m.name }
func (m *Memory) Key() string      { return m.key }
func (m *Memory) Store() *kv.Store { return m.store }

func (m *Memory) Push(ctx context.Context, doc []byte, _ int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, version, _ := m.store.Get(m.key)
	if _, err := m.store.Put(m.key, doc, version); err != nil {
		return fmt.Errorf("memory mirror %s: %w", m.key, err)
	}
	return nil
}
