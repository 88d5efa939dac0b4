package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// writerLockKey is the advisory lock every writer holds for the duration of
// its transaction.
const writerLockKey int64 = 0x6d65647661756c74

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PostgresRepository stores ledger state in the tables created by
// migrations/001_ledger.sql.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) View(ctx context.Context, fn func(rd Reader) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(&pgState{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) Update(ctx context.Context, fn func(w Writer) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin write: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, writerLockKey); err != nil {
		return fmt.Errorf("acquire writer lock: %w", err)
	}
	if err := fn(&pgState{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Events(ctx context.Context, after uint64, limit int) ([]*Event, error) {
	if after > math.MaxInt64 {
		return nil, nil
	}
	// LIMIT NULL is no limit.
	var lim *int64
	if limit > 0 {
		n := int64(limit)
		lim = &n
	}
	rows, err := r.pool.Query(ctx, `
		SELECT seq, payload FROM ledger_event
		WHERE seq > $1 ORDER BY seq LIMIT $2`, int64(after), lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []*Event
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		ev.Seq = uint64(seq)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

type pgState struct{ q queryable }

const recordCols = `patient, uploader, content_pointer, created_at, idx`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var patient, uploader string
	var idx int64
	if err := row.Scan(&patient, &uploader, &rec.ContentPointer, &rec.CreatedAt, &idx); err != nil {
		return nil, err
	}
	rec.Patient = Principal(patient)
	rec.Uploader = Principal(uploader)
	rec.Index = uint64(idx)
	return &rec, nil
}

func (s *pgState) Role(ctx context.Context, p Principal) (Role, error) {
	var role int16
	err := s.q.QueryRow(ctx, `SELECT role FROM ledger_role WHERE principal = $1`, string(p)).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return RoleNone, nil
	}
	if err != nil {
		return RoleNone, fmt.Errorf("read role: %w", err)
	}
	return Role(role), nil
}

func (s *pgState) HasGrant(ctx context.Context, g ConsentGrant) (bool, error) {
	var ok bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM ledger_consent WHERE patient = $1 AND grantee = $2 AND kind = $3)`,
		string(g.Patient), string(g.Grantee), int16(g.Kind)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("read grant: %w", err)
	}
	return ok, nil
}

func (s *pgState) Records(ctx context.Context, patient Principal) ([]*Record, error) {
	rows, err := s.q.Query(ctx, `SELECT `+recordCols+` FROM ledger_record WHERE patient = $1 ORDER BY idx`, string(patient))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *pgState) RecordCount(ctx context.Context, patient Principal) (uint64, error) {
	var n int64
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_record WHERE patient = $1`, string(patient)).Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (s *pgState) LastRecord(ctx context.Context, patient Principal) (*Record, error) {
	rec, err := scanRecord(s.q.QueryRow(ctx,
		`SELECT `+recordCols+` FROM ledger_record WHERE patient = $1 ORDER BY idx DESC LIMIT 1`, string(patient)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *pgState) Stats(ctx context.Context) (Metadata, error) {
	var records, patients int64
	err := s.q.QueryRow(ctx, `SELECT COUNT(*), COUNT(DISTINCT patient) FROM ledger_record`).Scan(&records, &patients)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{TotalRecords: uint64(records), UniquePatients: uint64(patients)}, nil
}

func (s *pgState) PutRole(ctx context.Context, p Principal, role Role) error {
	_, err := s.q.Exec(ctx, `INSERT INTO ledger_role (principal, role) VALUES ($1, $2)`, string(p), int16(role))
	return err
}

func (s *pgState) AppendRecord(ctx context.Context, rec *Record) error {
	var next int64
	if err := s.q.QueryRow(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM ledger_record WHERE patient = $1`, string(rec.Patient)).Scan(&next); err != nil {
		return err
	}
	rec.Index = uint64(next)
	_, err := s.q.Exec(ctx, `
		INSERT INTO ledger_record (patient, idx, uploader, content_pointer, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(rec.Patient), next, string(rec.Uploader), rec.ContentPointer, rec.CreatedAt)
	return err
}

func (s *pgState) PutGrant(ctx context.Context, g ConsentGrant) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO ledger_consent (patient, grantee, kind) VALUES ($1, $2, $3)
		ON CONFLICT (patient, grantee, kind) DO NOTHING`,
		string(g.Patient), string(g.Grantee), int16(g.Kind))
	return err
}

func (s *pgState) DeleteGrant(ctx context.Context, g ConsentGrant) error {
	_, err := s.q.Exec(ctx, `DELETE FROM ledger_consent WHERE patient = $1 AND grantee = $2 AND kind = $3`,
		string(g.Patient), string(g.Grantee), int16(g.Kind))
	return err
}

func (s *pgState) Emit(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var seq int64
	if err := s.q.QueryRow(ctx, `
		INSERT INTO ledger_event (type, payload, created_at) VALUES ($1, $2, $3)
		RETURNING seq`, string(ev.Type), payload, at).Scan(&seq); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	ev.Seq = uint64(seq)
	return nil
}
