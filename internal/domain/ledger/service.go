package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Ledger is the consent-gated access engine. Every method takes the
// authenticated caller as an argument and trusts it as given.
type Ledger struct {
	repo   Repository
	clock  Clock
	sink   EventSink
	logger zerolog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the default monotonic wall clock.
func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithEventSink sets the sink committed events are published to.
func WithEventSink(s EventSink) Option {
	return func(l *Ledger) { l.sink = s }
}

// WithLogger sets the logger used for denied and committed operations.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates a Ledger on top of the given substrate.
func NewLedger(repo Repository, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		clock:  NewMonotonicClock(nil),
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// -- Roles --

func (l *Ledger) AssignRole(ctx context.Context, caller Principal, role Role) (*Event, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if role == RoleNone || !role.Valid() {
		return nil, fmt.Errorf("%w: cannot assign %s", ErrInvalidRole, role)
	}
	return l.commit(ctx, "assign_role", caller, func(w Writer) (*Event, error) {
		current, err := w.Role(ctx, caller)
		if err != nil {
			return nil, err
		}
		if current != RoleNone {
			return nil, fmt.Errorf("%w: role already assigned as %s", ErrInvalidRole, current)
		}
		if err := w.PutRole(ctx, caller, role); err != nil {
			return nil, err
		}
		return &Event{Type: EventRoleAssigned, Principal: caller, Role: role}, nil
	})
}

func (l *Ledger) GetRole(ctx context.Context, p Principal) (Role, error) {
	var role Role
	err := l.repo.View(ctx, func(r Reader) error {
		var err error
		role, err = r.Role(ctx, p)
		return err
	})
	return role, err
}

// -- Records --

func (l *Ledger) AddPatientRecord(ctx context.Context, caller Principal, pointer string) (*Event, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	return l.commit(ctx, "add_patient_record", caller, func(w Writer) (*Event, error) {
		role, err := w.Role(ctx, caller)
		if err != nil {
			return nil, err
		}
		if role != RolePatient {
			return nil, fmt.Errorf("%w: only patients can add their own records", ErrUnauthorizedRole)
		}
		if pointer == "" {
			return nil, fmt.Errorf("%w: content pointer must not be empty", ErrValidation)
		}
		return l.appendRecord(ctx, w, caller, caller, pointer)
	})
}

func (l *Ledger) AddDoctorRecord(ctx context.Context, caller, patient Principal, pointer string) (*Event, error) {
	return l.addOnBehalf(ctx, "add_doctor_record", caller, patient, pointer, KindDoctorAccess)
}

// AddDiagnosticRecord lets a consented lab write into a patient's vault.
// Labs never get a read path.
func (l *Ledger) AddDiagnosticRecord(ctx context.Context, caller, patient Principal, pointer string) (*Event, error) {
	return l.addOnBehalf(ctx, "add_diagnostic_record", caller, patient, pointer, KindDiagnosticsAccess)
}

func (l *Ledger) addOnBehalf(ctx context.Context, op string, caller, patient Principal, pointer string, kind ConsentKind) (*Event, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if err := patient.Validate(); err != nil {
		return nil, err
	}
	return l.commit(ctx, op, caller, func(w Writer) (*Event, error) {
		role, err := w.Role(ctx, caller)
		if err != nil {
			return nil, err
		}
		if want := kind.granteeRole(); role != want {
			return nil, fmt.Errorf("%w: only %s callers can use this upload path", ErrUnauthorizedRole, want)
		}
		targetRole, err := w.Role(ctx, patient)
		if err != nil {
			return nil, err
		}
		if targetRole != RolePatient {
			return nil, ErrTargetNotPatient
		}
		granted, err := w.HasGrant(ctx, ConsentGrant{Patient: patient, Grantee: caller, Kind: kind})
		if err != nil {
			return nil, err
		}
		if !granted {
			return nil, ErrConsentMissing
		}
		if pointer == "" {
			return nil, fmt.Errorf("%w: content pointer must not be empty", ErrValidation)
		}
		return l.appendRecord(ctx, w, patient, caller, pointer)
	})
}

func (l *Ledger) appendRecord(ctx context.Context, w Writer, patient, uploader Principal, pointer string) (*Event, error) {
	rec := &Record{
		Patient:        patient,
		Uploader:       uploader,
		ContentPointer: pointer,
		CreatedAt:      l.clock.Now(),
	}
	if err := w.AppendRecord(ctx, rec); err != nil {
		return nil, err
	}
	return &Event{Type: EventRecordAdded, Patient: patient, Uploader: uploader, Pointer: pointer, At: rec.CreatedAt}, nil
}

// GetRecords returns the patient's records in insertion order.
func (l *Ledger) GetRecords(ctx context.Context, caller, patient Principal) ([]*Record, error) {
	var records []*Record
	err := l.view(ctx, "get_records", caller, patient, func(r Reader) error {
		var err error
		records, err = r.Records(ctx, patient)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetMostRecentRecord fails with ErrNoRecords for an empty vault.
func (l *Ledger) GetMostRecentRecord(ctx context.Context, caller, patient Principal) (*Record, error) {
	var rec *Record
	err := l.view(ctx, "get_most_recent_record", caller, patient, func(r Reader) error {
		var err error
		rec, err = r.LastRecord(ctx, patient)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNoRecords
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Ledger) GetRecordCount(ctx context.Context, caller, patient Principal) (uint64, error) {
	var n uint64
	err := l.view(ctx, "get_record_count", caller, patient, func(r Reader) error {
		var err error
		n, err = r.RecordCount(ctx, patient)
		return err
	})
	return n, err
}

// GetAnonymizedMetadata returns vault-wide aggregates without identities.
func (l *Ledger) GetAnonymizedMetadata(ctx context.Context, caller Principal) (Metadata, error) {
	var md Metadata
	err := l.repo.View(ctx, func(r Reader) error {
		role, err := r.Role(ctx, caller)
		if err != nil {
			return err
		}
		if role != RoleResearcher {
			return fmt.Errorf("%w: only researchers can read anonymized metadata", ErrUnauthorizedRole)
		}
		md, err = r.Stats(ctx)
		return err
	})
	if err != nil {
		l.deny("get_anonymized_metadata", caller, err)
		return Metadata{}, err
	}
	return md, nil
}

// -- Consent --

func (l *Ledger) GrantDoctorAccess(ctx context.Context, caller, grantee Principal) (*Event, error) {
	return l.setGrant(ctx, caller, grantee, KindDoctorAccess, true)
}

func (l *Ledger) RevokeDoctorAccess(ctx context.Context, caller, grantee Principal) (*Event, error) {
	return l.setGrant(ctx, caller, grantee, KindDoctorAccess, false)
}

func (l *Ledger) GrantDiagnosticsAccess(ctx context.Context, caller, grantee Principal) (*Event, error) {
	return l.setGrant(ctx, caller, grantee, KindDiagnosticsAccess, true)
}

func (l *Ledger) RevokeDiagnosticsAccess(ctx context.Context, caller, grantee Principal) (*Event, error) {
	return l.setGrant(ctx, caller, grantee, KindDiagnosticsAccess, false)
}

// setGrant toggles one consent tuple. The grantee's role is not checked
// here; read and write paths check it when the grant is used.
func (l *Ledger) setGrant(ctx context.Context, caller, grantee Principal, kind ConsentKind, active bool) (*Event, error) {
	op, evType := "revoke_access", EventAccessRevoked
	if active {
		op, evType = "grant_access", EventAccessGranted
	}
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if err := grantee.Validate(); err != nil {
		return nil, err
	}
	return l.commit(ctx, op, caller, func(w Writer) (*Event, error) {
		role, err := w.Role(ctx, caller)
		if err != nil {
			return nil, err
		}
		if role != RolePatient {
			return nil, ErrOnlyPatientAction
		}
		g := ConsentGrant{Patient: caller, Grantee: grantee, Kind: kind}
		if active {
			err = w.PutGrant(ctx, g)
		} else {
			err = w.DeleteGrant(ctx, g)
		}
		if err != nil {
			return nil, err
		}
		return &Event{Type: evType, Patient: caller, Grantee: grantee, Kind: kind}, nil
	})
}

// -- Authorization --

// authorizeRead is the single read decision shared by every vault read.
func authorizeRead(ctx context.Context, r Reader, caller, patient Principal) error {
	if caller == patient {
		return nil
	}
	role, err := r.Role(ctx, caller)
	if err != nil {
		return err
	}
	switch role {
	case RoleDoctor:
		ok, err := r.HasGrant(ctx, ConsentGrant{Patient: patient, Grantee: caller, Kind: KindDoctorAccess})
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	case RoleDiagnostics:
		return ErrDiagnosticsReadForbidden
	}
	return ErrReadNotAuthorized
}

func (l *Ledger) view(ctx context.Context, op string, caller, patient Principal, fn func(r Reader) error) error {
	if err := caller.Validate(); err != nil {
		return err
	}
	if err := patient.Validate(); err != nil {
		return err
	}
	err := l.repo.View(ctx, func(r Reader) error {
		if err := authorizeRead(ctx, r, caller, patient); err != nil {
			return err
		}
		return fn(r)
	})
	if err != nil {
		l.deny(op, caller, err)
	}
	return err
}

// commit runs one authorization decision and one atomic write, then
// publishes the resulting event.
func (l *Ledger) commit(ctx context.Context, op string, caller Principal, fn func(w Writer) (*Event, error)) (*Event, error) {
	var ev *Event
	err := l.repo.Update(ctx, func(w Writer) error {
		var err error
		ev, err = fn(w)
		if err != nil {
			return err
		}
		if ev.At.IsZero() {
			ev.At = l.clock.Now()
		}
		return w.Emit(ctx, ev)
	})
	if err != nil {
		l.deny(op, caller, err)
		return nil, err
	}

	l.logger.Debug().
		Str("op", op).
		Str("caller", string(caller)).
		Str("event", string(ev.Type)).
		Msg("ledger write committed")

	if l.sink != nil {
		if err := l.sink.Publish(ctx, ev); err != nil {
			l.logger.Error().Err(err).
				Str("op", op).
				Str("event", string(ev.Type)).
				Msg("failed to publish ledger event")
		}
	}
	return ev, nil
}

func (l *Ledger) deny(op string, caller Principal, err error) {
	if ErrorCode(err) == "" {
		l.logger.Error().Err(err).Str("op", op).Str("caller", string(caller)).Msg("ledger operation failed")
		return
	}
	l.logger.Debug().Err(err).Str("op", op).Str("caller", string(caller)).Msg("ledger operation rejected")
}
