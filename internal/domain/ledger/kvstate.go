package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// KV is the minimal surface shared by the key-value substrates (memory,
// LevelDB, Fabric world state).
type KV interface {
	// Get returns nil, nil when the key is absent.
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// kvKey joins length-prefixed parts so that no principal can collide with
// another key, whatever characters it contains.
func kvKey(parts ...string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

func roleKey(p Principal) string { return kvKey("role", string(p)) }

func grantKey(g ConsentGrant) string {
	return kvKey("grant", strconv.Itoa(int(g.Kind)), string(g.Patient), string(g.Grantee))
}

func countKey(patient Principal) string { return kvKey("count", string(patient)) }

func recordKey(patient Principal, idx uint64) string {
	return kvKey("record", string(patient), fmt.Sprintf("%020d", idx))
}

var (
	statRecordsKey  = kvKey("stat", "records")
	statPatientsKey = kvKey("stat", "patients")
)

// KVState implements Writer over a KV. Emit is delegated to emit; a nil
// emit discards events.
type KVState struct {
	kv   KV
	emit func(ev *Event) error
}

// NewKVState wraps kv. Substrates call it once per unit of work.
func NewKVState(kv KV, emit func(ev *Event) error) *KVState {
	return &KVState{kv: kv, emit: emit}
}

func (s *KVState) Role(_ context.Context, p Principal) (Role, error) {
	v, err := s.kv.Get(roleKey(p))
	if err != nil {
		return RoleNone, fmt.Errorf("read role: %w", err)
	}
	if len(v) == 0 {
		return RoleNone, nil
	}
	return Role(v[0]), nil
}

func (s *KVState) HasGrant(_ context.Context, g ConsentGrant) (bool, error) {
	v, err := s.kv.Get(grantKey(g))
	if err != nil {
		return false, fmt.Errorf("read grant: %w", err)
	}
	return len(v) > 0, nil
}

func (s *KVState) RecordCount(_ context.Context, patient Principal) (uint64, error) {
	return s.counter(countKey(patient))
}

func (s *KVState) Records(ctx context.Context, patient Principal) ([]*Record, error) {
	n, err := s.RecordCount(ctx, patient)
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, n)
	for i := uint64(0); i < n; i++ {
		rec, err := s.record(patient, i)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *KVState) LastRecord(ctx context.Context, patient Principal) (*Record, error) {
	n, err := s.RecordCount(ctx, patient)
	if err != nil || n == 0 {
		return nil, err
	}
	return s.record(patient, n-1)
}

func (s *KVState) Stats(_ context.Context) (Metadata, error) {
	records, err := s.counter(statRecordsKey)
	if err != nil {
		return Metadata{}, err
	}
	patients, err := s.counter(statPatientsKey)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{TotalRecords: records, UniquePatients: patients}, nil
}

func (s *KVState) PutRole(_ context.Context, p Principal, role Role) error {
	if err := s.kv.Put(roleKey(p), []byte{byte(role)}); err != nil {
		return fmt.Errorf("write role: %w", err)
	}
	return nil
}

func (s *KVState) AppendRecord(ctx context.Context, rec *Record) error {
	n, err := s.RecordCount(ctx, rec.Patient)
	if err != nil {
		return err
	}
	rec.Index = n
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := s.kv.Put(recordKey(rec.Patient, n), data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := s.putCounter(countKey(rec.Patient), n+1); err != nil {
		return err
	}
	if err := s.bump(statRecordsKey); err != nil {
		return err
	}
	if n == 0 {
		return s.bump(statPatientsKey)
	}
	return nil
}

func (s *KVState) PutGrant(_ context.Context, g ConsentGrant) error {
	if err := s.kv.Put(grantKey(g), []byte{1}); err != nil {
		return fmt.Errorf("write grant: %w", err)
	}
	return nil
}

func (s *KVState) DeleteGrant(_ context.Context, g ConsentGrant) error {
	if err := s.kv.Delete(grantKey(g)); err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	return nil
}

func (s *KVState) Emit(_ context.Context, ev *Event) error {
	if s.emit == nil {
		return nil
	}
	return s.emit(ev)
}

func (s *KVState) record(patient Principal, idx uint64) (*Record, error) {
	v, err := s.kv.Get(recordKey(patient, idx))
	if err != nil {
		return nil, fmt.Errorf("read record %d: %w", idx, err)
	}
	if v == nil {
		return nil, fmt.Errorf("record %d of %s missing from store", idx, patient)
	}
	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decode record %d: %w", idx, err)
	}
	return &rec, nil
}

func (s *KVState) counter(key string) (uint64, error) {
	v, err := s.kv.Get(key)
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	if len(v) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

func (s *KVState) putCounter(key string, n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	if err := s.kv.Put(key, buf[:]); err != nil {
		return fmt.Errorf("write counter: %w", err)
	}
	return nil
}

func (s *KVState) bump(key string) error {
	n, err := s.counter(key)
	if err != nil {
		return err
	}
	return s.putCounter(key, n+1)
}
