package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	eventSeqKey    = kvKey("meta", "event_seq")
	eventKeyPrefix = kvKey("event") + "/20:"
)

func eventKey(seq uint64) string { return kvKey("event", fmt.Sprintf("%020d", seq)) }

// LevelDBRepository is an embedded single-node substrate. Writers are
// serialized by LevelDB's transaction lock; readers use snapshots.
type LevelDBRepository struct {
	db *leveldb.DB
}

// OpenLevelDBRepository opens (or creates) a database directory.
func OpenLevelDBRepository(path string) (*LevelDBRepository, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &LevelDBRepository{db: db}, nil
}

// NewLevelDBRepository wraps an already open database.
func NewLevelDBRepository(db *leveldb.DB) *LevelDBRepository {
	return &LevelDBRepository{db: db}
}

func (r *LevelDBRepository) Close() error {
	return r.db.Close()
}

func (r *LevelDBRepository) View(ctx context.Context, fn func(rd Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := r.db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("leveldb snapshot: %w", err)
	}
	defer snap.Release()
	return fn(NewKVState(levelKV{getter: snap}, nil))
}

func (r *LevelDBRepository) Update(ctx context.Context, fn func(w Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tr, err := r.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("leveldb transaction: %w", err)
	}
	kv := levelKV{getter: tr, tr: tr}
	state := NewKVState(kv, func(ev *Event) error {
		return appendEvent(kv, ev)
	})
	if err := fn(state); err != nil {
		tr.Discard()
		return err
	}
	if err := ctx.Err(); err != nil {
		tr.Discard()
		return err
	}
	if err := tr.Commit(); err != nil {
		return fmt.Errorf("leveldb commit: %w", err)
	}
	return nil
}

// Events returns up to limit committed events with Seq > after.
func (r *LevelDBRepository) Events(ctx context.Context, after uint64, limit int) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if after == math.MaxUint64 {
		return nil, nil
	}
	rng := util.BytesPrefix([]byte(eventKeyPrefix))
	rng.Start = []byte(eventKey(after + 1))
	it := r.db.NewIterator(rng, nil)
	defer it.Release()

	var events []*Event
	for it.Next() {
		if limit > 0 && len(events) >= limit {
			break
		}
		var ev Event
		if err := json.Unmarshal(it.Value(), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func appendEvent(kv KV, ev *Event) error {
	st := NewKVState(kv, nil)
	seq, err := st.counter(eventSeqKey)
	if err != nil {
		return err
	}
	seq++
	ev.Seq = seq
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := kv.Put(eventKey(seq), data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return st.putCounter(eventSeqKey, seq)
}

type levelGetter interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
}

// levelKV adapts a snapshot or transaction to KV. tr is nil for snapshots.
type levelKV struct {
	getter levelGetter
	tr     *leveldb.Transaction
}

func (k levelKV) Get(key string) ([]byte, error) {
	v, err := k.getter.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (k levelKV) Put(key string, value []byte) error {
	if k.tr == nil {
		return errReadOnly
	}
	return k.tr.Put([]byte(key), value, nil)
}

func (k levelKV) Delete(key string) error {
	if k.tr == nil {
		return errReadOnly
	}
	return k.tr.Delete([]byte(key), nil)
}
