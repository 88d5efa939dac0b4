package ledger

import "errors"

var (
	ErrInvalidRole              = errors.New("invalid role")
	ErrValidation               = errors.New("validation failed")
	ErrUnauthorizedRole         = errors.New("caller role not permitted for this action")
	ErrTargetNotPatient         = errors.New("target is not a patient")
	ErrConsentMissing           = errors.New("patient has not granted access")
	ErrReadNotAuthorized        = errors.New("not authorized to view records")
	ErrDiagnosticsReadForbidden = errors.New("diagnostics role has no read access")
	ErrOnlyPatientAction        = errors.New("only patients can perform this action")
	ErrNoRecords                = errors.New("patient has no records")
)

// ErrorCode returns the stable machine-readable code for a ledger error, or
// an empty string for errors that did not originate in the engine.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRole):
		return "InvalidRole"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrUnauthorizedRole):
		return "UnauthorizedRole"
	case errors.Is(err, ErrTargetNotPatient):
		return "TargetNotPatient"
	case errors.Is(err, ErrConsentMissing):
		return "ConsentMissing"
	case errors.Is(err, ErrReadNotAuthorized):
		return "ReadNotAuthorized"
	case errors.Is(err, ErrDiagnosticsReadForbidden):
		return "DiagnosticsReadForbidden"
	case errors.Is(err, ErrOnlyPatientAction):
		return "OnlyPatientAction"
	case errors.Is(err, ErrNoRecords):
		return "NoRecords"
	}
	return ""
}
