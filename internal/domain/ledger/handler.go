package ledger

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/pkg/pagination"
)

// ErrorResponse is the JSON body of every failed ledger call.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Handler exposes the ledger over HTTP. The caller is always the
// authenticated principal placed on the request context by auth middleware.
type Handler struct {
	svc *Ledger
}

func NewHandler(svc *Ledger) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/roles", h.AssignRole)
	api.GET("/principals/:principal/role", h.GetRole)

	api.POST("/records", h.AddPatientRecord)
	api.POST("/patients/:patient/records", h.AddOnBehalfRecord)
	api.GET("/patients/:patient/records", h.GetRecords)
	api.GET("/patients/:patient/records/latest", h.GetMostRecentRecord)
	api.GET("/patients/:patient/records/count", h.GetRecordCount)

	api.PUT("/consents/:kind/:grantee", h.GrantAccess)
	api.DELETE("/consents/:kind/:grantee", h.RevokeAccess)

	api.GET("/research/metadata", h.GetAnonymizedMetadata)
}

type assignRoleRequest struct {
	// Role accepts a name ("PATIENT") or an ordinal (1).
	Role interface{} `json:"role"`
}

type pointerRequest struct {
	Pointer string `json:"pointer"`
}

type roleResponse struct {
	Principal Principal `json:"principal"`
	Role      Role      `json:"role"`
}

type countResponse struct {
	Patient Principal `json:"patient"`
	Count   uint64    `json:"count"`
}

func (h *Handler) AssignRole(c echo.Context) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	var req assignRoleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Role == nil {
		return toHTTPError(fmt.Errorf("%w: role is required", ErrInvalidRole))
	}
	role, err := ParseRole(fmt.Sprint(req.Role))
	if err != nil {
		return toHTTPError(err)
	}
	ev, err := h.svc.AssignRole(c.Request().Context(), caller, role)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, ev)
}

func (h *Handler) GetRole(c echo.Context) error {
	p := Principal(pathParam(c, "principal"))
	role, err := h.svc.GetRole(c.Request().Context(), p)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, roleResponse{Principal: p, Role: role})
}

func (h *Handler) AddPatientRecord(c echo.Context) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	var req pointerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev, err := h.svc.AddPatientRecord(c.Request().Context(), caller, req.Pointer)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, ev)
}

// AddOnBehalfRecord routes diagnostics callers to the lab upload path and
// everyone else to the doctor path, which rejects non-doctors.
func (h *Handler) AddOnBehalfRecord(c echo.Context) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	var req pointerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	patient := Principal(pathParam(c, "patient"))

	role, err := h.svc.GetRole(ctx, caller)
	if err != nil {
		return toHTTPError(err)
	}
	var ev *Event
	if role == RoleDiagnostics {
		ev, err = h.svc.AddDiagnosticRecord(ctx, caller, patient, req.Pointer)
	} else {
		ev, err = h.svc.AddDoctorRecord(ctx, caller, patient, req.Pointer)
	}
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, ev)
}

func (h *Handler) GetRecords(c echo.Context) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	records, err := h.svc.GetRecords(c.Request().Context(), caller, Principal(pathParam(c, "patient")))
	if err != nil {
		return toHTTPError(err)
	}
	pg := pagination.FromContext(c)
	start, end := pg.Bounds(len(records))
	page := pagination.NewResponse(records[start:end], len(records), pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.EscapedPath())
	return c.JSON(http.StatusOK, page)
}

func (h *Handler) GetMostRecentRecord(c echo.Context) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.GetMostRecentRecord(c.Request().Context(), caller, Principal(pathParam(c, "patient")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetRecordCount(c echo.Context) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	patient := Principal(pathParam(c, "patient"))
	n, err := h.svc.GetRecordCount(c.Request().Context(), caller, patient)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, countResponse{Patient: patient, Count: n})
}

func (h *Handler) GrantAccess(c echo.Context) error {
	return h.toggleAccess(c, true)
}

func (h *Handler) RevokeAccess(c echo.Context) error {
	return h.toggleAccess(c, false)
}

func (h *Handler) toggleAccess(c echo.Context, grant bool) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	grantee := Principal(pathParam(c, "grantee"))

	var ev *Event
	switch c.Param("kind") {
	case "doctor":
		if grant {
			ev, err = h.svc.GrantDoctorAccess(ctx, caller, grantee)
		} else {
			ev, err = h.svc.RevokeDoctorAccess(ctx, caller, grantee)
		}
	case "diagnostics":
		if grant {
			ev, err = h.svc.GrantDiagnosticsAccess(ctx, caller, grantee)
		} else {
			ev, err = h.svc.RevokeDiagnosticsAccess(ctx, caller, grantee)
		}
	default:
		return echo.NewHTTPError(http.StatusNotFound, "unknown consent kind, expected doctor or diagnostics")
	}
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, ev)
}

func (h *Handler) GetAnonymizedMetadata(c echo.Context) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	md, err := h.svc.GetAnonymizedMetadata(c.Request().Context(), caller)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, md)
}

func callerFrom(c echo.Context) (Principal, error) {
	p := auth.PrincipalFromContext(c.Request().Context())
	if p == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing caller identity")
	}
	return Principal(p), nil
}

// pathParam returns a principal path segment decoded exactly once.
func pathParam(c echo.Context, name string) string {
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

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRole), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorizedRole),
		errors.Is(err, ErrOnlyPatientAction),
		errors.Is(err, ErrReadNotAuthorized),
		errors.Is(err, ErrDiagnosticsReadForbidden),
		errors.Is(err, ErrConsentMissing):
		return http.StatusForbidden
	case errors.Is(err, ErrTargetNotPatient):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNoRecords):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func toHTTPError(err error) *echo.HTTPError {
	code := ErrorCode(err)
	if code == "" {
		return echo.NewHTTPError(http.StatusInternalServerError, ErrorResponse{Error: "Internal", Message: "internal error"}).
			SetInternal(err)
	}
	return echo.NewHTTPError(httpStatus(err), ErrorResponse{Error: code, Message: err.Error()})
}
