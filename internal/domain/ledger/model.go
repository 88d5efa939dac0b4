package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Principal is an opaque, pre-authenticated caller identity.
type Principal string

// Validate rejects principals that cannot be stored as substrate keys.
func (p Principal) Validate() error {
	if p == "" {
		return fmt.Errorf("%w: principal must not be empty", ErrValidation)
	}
	if !utf8.ValidString(string(p)) || strings.ContainsRune(string(p), 0) {
		return fmt.Errorf("%w: principal %q is not valid UTF-8 text", ErrValidation, string(p))
	}
	return nil
}

// Role is the capability class bound to a principal.
type Role uint8

const (
	RoleNone Role = iota
	RolePatient
	RoleDoctor
	RoleDiagnostics
	RoleResearcher
)

var roleNames = [...]string{"NONE", "PATIENT", "DOCTOR", "DIAGNOSTICS", "RESEARCHER"}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return "Role(" + strconv.Itoa(int(r)) + ")"
}

// Valid reports whether r is one of the defined roles, NONE included.
func (r Role) Valid() bool { return int(r) < len(roleNames) }

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("unknown role %d", r)
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRole accepts the role name in any case or its ordinal.
func ParseRole(s string) (Role, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n >= len(roleNames) {
			return RoleNone, fmt.Errorf("%w: ordinal %d out of range", ErrInvalidRole, n)
		}
		return Role(n), nil
	}
	for i, name := range roleNames {
		if strings.EqualFold(s, name) {
			return Role(i), nil
		}
	}
	return RoleNone, fmt.Errorf("%w: unknown role %q", ErrInvalidRole, s)
}

// ConsentKind names the capability a consent grant unlocks.
type ConsentKind uint8

const (
	KindDoctorAccess ConsentKind = iota + 1
	KindDiagnosticsAccess
)

func (k ConsentKind) String() string {
	switch k {
	case KindDoctorAccess:
		return "DOCTOR_ACCESS"
	case KindDiagnosticsAccess:
		return "DIAGNOSTICS_ACCESS"
	}
	return "ConsentKind(" + strconv.Itoa(int(k)) + ")"
}

func (k ConsentKind) MarshalText() ([]byte, error) {
	if k != KindDoctorAccess && k != KindDiagnosticsAccess {
		return nil, fmt.Errorf("unknown consent kind %d", k)
	}
	return []byte(k.String()), nil
}

func (k *ConsentKind) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "DOCTOR_ACCESS":
		*k = KindDoctorAccess
	case "DIAGNOSTICS_ACCESS":
		*k = KindDiagnosticsAccess
	default:
		return fmt.Errorf("unknown consent kind %q", string(b))
	}
	return nil
}

// grantee role that a consent kind is meant for.
func (k ConsentKind) granteeRole() Role {
	if k == KindDiagnosticsAccess {
		return RoleDiagnostics
	}
	return RoleDoctor
}

// ConsentGrant is an active (patient, grantee, kind) permission.
type ConsentGrant struct {
	Patient Principal   `json:"patient"`
	Grantee Principal   `json:"grantee"`
	Kind    ConsentKind `json:"kind"`
}

// Record is an immutable pointer to externally stored content in a patient's vault.
type Record struct {
	Patient        Principal `json:"patient"`
	Uploader       Principal `json:"uploader"`
	ContentPointer string    `json:"content_pointer"`
	CreatedAt      time.Time `json:"created_at"`
	Index          uint64    `json:"index"`
}

// Metadata is the anonymized aggregate exposed to researchers.
type Metadata struct {
	TotalRecords   uint64 `json:"total_record_count"`
	UniquePatients uint64 `json:"unique_patient_count"`
}

// EventType identifies a domain event.
type EventType string

const (
	EventRoleAssigned  EventType = "RoleAssigned"
	EventRecordAdded   EventType = "RecordAdded"
	EventAccessGranted EventType = "AccessGranted"
	EventAccessRevoked EventType = "AccessRevoked"
)

// Event is emitted by every successful state transition. Only the fields
// relevant to Type are set.
type Event struct {
	Seq       uint64      `json:"seq,omitempty"`
	Type      EventType   `json:"type"`
	Principal Principal   `json:"principal,omitempty"`
	Role      Role        `json:"role,omitempty"`
	Patient   Principal   `json:"patient,omitempty"`
	Uploader  Principal   `json:"uploader,omitempty"`
	Pointer   string      `json:"pointer,omitempty"`
	Grantee   Principal   `json:"grantee,omitempty"`
	Kind      ConsentKind `json:"kind,omitempty"`
	At        time.Time   `json:"at"`
}
