package ledger

import (
	"context"
	"errors"
	"sync"
)

var errReadOnly = errors.New("write attempted in a read-only view")

// MemoryRepository is an in-process substrate for tests and development.
type MemoryRepository struct {
	mu     sync.RWMutex
	data   map[string][]byte
	events []*Event
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{data: make(map[string][]byte)}
}

func (m *MemoryRepository) View(ctx context.Context, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(NewKVState(memView(m.data), nil))
}

func (m *MemoryRepository) Update(ctx context.Context, fn func(w Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{base: m.data, staged: make(map[string][]byte)}
	var pending []*Event
	emit := func(ev *Event) error {
		ev.Seq = uint64(len(m.events) + len(pending) + 1)
		pending = append(pending, ev)
		return nil
	}
	if err := fn(NewKVState(tx, emit)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for k, v := range tx.staged {
		if v == nil {
			delete(m.data, k)
			continue
		}
		m.data[k] = v
	}
	m.events = append(m.events, pending...)
	return nil
}

// Events returns up to limit committed events with Seq > after.
func (m *MemoryRepository) Events(ctx context.Context, after uint64, limit int) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, ev := range m.events {
		if ev.Seq <= after {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

type memView map[string][]byte

func (v memView) Get(key string) ([]byte, error) { return v[key], nil }

func (v memView) Put(string, []byte) error { return errReadOnly }

func (v memView) Delete(string) error { return errReadOnly }

// memTx stages writes over base; a nil staged value marks a deletion.
type memTx struct {
	base   map[string][]byte
	staged map[string][]byte
}

func (t *memTx) Get(key string) ([]byte, error) {
	if v, ok := t.staged[key]; ok {
		return v, nil
	}
	return t.base[key], nil
}

func (t *memTx) Put(key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	t.staged[key] = buf
	return nil
}

func (t *memTx) Delete(key string) error {
	t.staged[key] = nil
	return nil
}
