package middleware

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/auth"
)

// AuditEntry describes one attempt to touch a patient vault, whether it was
// allowed or not.
type AuditEntry struct {
	Principal  string
	Patient    string
	Grantee    string
	Action     string // read, create, update, delete
	Route      string
	Path       string
	Method     string
	IPAddress  string
	UserAgent  string
	RequestID  string
	StatusCode int
	Denied     bool
	Timestamp  time.Time
}

// AuditRecorder persists audit entries somewhere more durable than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1 request after the handler ran, including denials.
// Recorders are optional; the structured log line is always written.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Principal:  auth.PrincipalFromContext(req.Context()),
				Patient:    unescapedParam(c, "patient"),
				Grantee:    unescapedParam(c, "grantee"),
				Action:     httpMethodToAction(req.Method),
				Route:      c.Path(),
				Path:       req.URL.Path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: responseStatus(c, err),
				Timestamp:  time.Now().UTC(),
			}
			entry.Denied = entry.StatusCode == http.StatusUnauthorized || entry.StatusCode == http.StatusForbidden
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}
			// Own-vault writes carry no patient in the path.
			if entry.Patient == "" && entry.Route == "/api/v1/records" {
				entry.Patient = entry.Principal
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.Denied {
				evt = logger.Warn()
			}
			evt.
				Str("type", "vault_audit").
				Str("request_id", entry.RequestID).
				Str("principal", entry.Principal).
				Str("patient", entry.Patient).
				Str("grantee", entry.Grantee).
				Str("action", entry.Action).
				Str("route", entry.Route).
				Str("method", entry.Method).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Bool("denied", entry.Denied).
				Msg("vault_access")

			return err
		}
	}
}

// responseStatus reports the status the client will see. When the handler
// returned an error the response has not been written yet.
func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func unescapedParam(c echo.Context, name string) string {
	raw := c.Param(name)
	// echo matches on URL.Path, already decoded, unless RawPath is set.
	if c.Request().URL.RawPath == "" {
		return raw
	}
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
