package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/auth"
)

// mockRecorder collects audit entries for assertions.
type mockRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (m *mockRecorder) RecordAccess(entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func (m *mockRecorder) last() AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// newAuditContext builds a routed context for the given route pattern.
func newAuditContext(method, path, route, principal string, params map[string]string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	if principal != "" {
		req = req.WithContext(auth.WithPrincipal(req.Context(), principal))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath(route)
	var names, values []string
	for k, v := range params {
		names = append(names, k)
		values = append(values, v)
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	return c, rec
}

func TestAudit_RecordsAllowedRead(t *testing.T) {
	recorder := &mockRecorder{}
	c, _ := newAuditContext(http.MethodGet, "/api/v1/patients/p1/records", "/api/v1/patients/:patient/records",
		"doctor-1", map[string]string{"patient": "p1"})
	c.Set("request_id", "req-123")

	h := Audit(zerolog.Nop(), recorder)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if recorder.count() != 1 {
		t.Fatalf("expected 1 entry, got %d", recorder.count())
	}
	e := recorder.last()
	if e.Principal != "doctor-1" || e.Patient != "p1" || e.Action != "read" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.StatusCode != http.StatusOK || e.Denied {
		t.Errorf("expected allowed 200, got %d denied=%v", e.StatusCode, e.Denied)
	}
	if e.RequestID != "req-123" || e.Route != "/api/v1/patients/:patient/records" {
		t.Errorf("unexpected request metadata: %+v", e)
	}
}

func TestAudit_RecordsDenial(t *testing.T) {
	recorder := &mockRecorder{}
	c, _ := newAuditContext(http.MethodGet, "/api/v1/patients/p1/records", "/api/v1/patients/:patient/records",
		"lab-1", map[string]string{"patient": "p1"})

	h := Audit(zerolog.Nop(), recorder)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "diagnostics role has no read access")
	})
	err := h(c)
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}
	e := recorder.last()
	if e.StatusCode != http.StatusForbidden || !e.Denied {
		t.Errorf("expected denied 403, got %d denied=%v", e.StatusCode, e.Denied)
	}
}

func TestAudit_OwnVaultWriteAndConsent(t *testing.T) {
	recorder := &mockRecorder{}
	ok := func(c echo.Context) error { return c.NoContent(http.StatusCreated) }

	c, _ := newAuditContext(http.MethodPost, "/api/v1/records", "/api/v1/records", "patient-9", nil)
	if err := Audit(zerolog.Nop(), recorder)(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e := recorder.last(); e.Patient != "patient-9" || e.Action != "create" {
		t.Errorf("unexpected entry: %+v", e)
	}

	c, _ = newAuditContext(http.MethodDelete, "/api/v1/consents/doctor/x509%3A%3Adoc", "/api/v1/consents/:kind/:grantee",
		"patient-9", map[string]string{"kind": "doctor", "grantee": "x509%3A%3Adoc"})
	if err := Audit(zerolog.Nop(), recorder)(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e := recorder.last(); e.Grantee != "x509::doc" || e.Action != "delete" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestAudit_PathParamsDecodedOnce(t *testing.T) {
	recorder := &mockRecorder{}
	e := echo.New()
	api := e.Group("/api/v1", Audit(zerolog.Nop(), recorder))
	api.PUT("/consents/:kind/:grantee", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	api.GET("/patients/:patient/records", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	tests := []struct {
		method  string
		target  string
		patient string
		grantee string
	}{
		{http.MethodGet, "/api/v1/patients/acct%2541/records", "acct%41", ""},
		{http.MethodGet, "/api/v1/patients/a%252F%2Fb/records", "a%2F/b", ""},
		{http.MethodPut, "/api/v1/consents/doctor/dr%252Fone", "", "dr%2Fone"},
		{http.MethodPut, "/api/v1/consents/doctor/dr%2Fone", "", "dr/one"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			got := recorder.last()
			if got.Patient != tt.patient || got.Grantee != tt.grantee {
				t.Errorf("expected patient %q grantee %q, got %q %q", tt.patient, tt.grantee, got.Patient, got.Grantee)
			}
		})
	}
}

func TestAudit_SkipsNonAPIPaths(t *testing.T) {
	recorder := &mockRecorder{}
	c, _ := newAuditContext(http.MethodGet, "/health", "/health", "", nil)
	h := Audit(zerolog.Nop(), recorder)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recorder.count() != 0 {
		t.Errorf("expected no entries, got %d", recorder.count())
	}
}

func TestAudit_RecorderErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	recorder := &mockRecorder{err: errors.New("db down")}
	c, _ := newAuditContext(http.MethodGet, "/api/v1/research/metadata", "/api/v1/research/metadata", "r-1", nil)

	h := Audit(logger, recorder)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	if err := h(c); err != nil {
		t.Fatalf("recorder failure must not fail the request: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("failed to record audit entry")) {
		t.Errorf("expected recorder failure in log, got %s", buf.String())
	}
}

func TestAudit_LogLine(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	c, _ := newAuditContext(http.MethodPut, "/api/v1/consents/doctor/d1", "/api/v1/consents/:kind/:grantee",
		"p1", map[string]string{"kind": "doctor", "grantee": "d1"})

	h := Audit(logger)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["type"] != "vault_audit" || line["principal"] != "p1" || line["grantee"] != "d1" || line["action"] != "update" {
		t.Errorf("unexpected log line: %v", line)
	}
}

func TestHTTPMethodToAction(t *testing.T) {
	cases := map[string]string{
		http.MethodGet:    "read",
		http.MethodHead:   "read",
		http.MethodPost:   "create",
		http.MethodPut:    "update",
		http.MethodPatch:  "update",
		http.MethodDelete: "delete",
	}
	for method, want := range cases {
		if got := httpMethodToAction(method); got != want {
			t.Errorf("%s: got %q, want %q", method, got, want)
		}
	}
}
