/*
handlers.go - HTTP request handlers for the billing API

PURPOSE:
  Implements the REST endpoints of the back-office billing service. Each
  handler reads path and body, calls one engine operation and writes JSON.
  Handlers never touch the store; the engine owns locking and atomicity.

ENDPOINTS:
  Guardians:
    GET    /api/guardians                   - List guardian balances
    GET    /api/guardians/{id}              - Balance with student rows
    DELETE /api/guardians/{id}              - Zero balance (account deletion)
    POST   /api/guardians/{id}/hours        - Set (pin) or adjust hours
    GET    /api/guardians/{id}/students     - Student rows
    GET    /api/guardians/{id}/summary      - Billing summary (may be stale)
    POST   /api/guardians/{id}/reconcile    - Recompute hours (dry run default)
    GET    /api/guardians/{id}/drift        - Stored vs computed balance
    GET    /api/guardians/{id}/invoices     - Guardian invoices

  Classes:
    GET    /api/classes/{id}                - Get class
    PUT    /api/classes/{id}                - Save class (ledger hook)
    DELETE /api/classes/{id}                - Delete class, refunding hours
    POST   /api/classes/{id}/status         - Manual status change (undoable)

  Invoices:
    POST   /api/invoices                    - Generate draft
    GET    /api/invoices/{id}               - Get invoice
    POST   /api/invoices/{id}/publish       - Publish draft
    POST   /api/invoices/{id}/payments      - Apply payment
    POST   /api/invoices/{id}/adjustments   - Post-payment adjustment
    POST   /api/invoices/{id}/cancel        - Cancel unpaid invoice
    POST   /api/invoices/{id}/status        - Manual status change (undoable)
    POST   /api/invoices/{id}/items         - Add class to draft
    DELETE /api/invoices/{id}/items/{itemId} - Remove draft item
    POST   /api/invoices/{id}/refresh       - Re-price draft from settings

  Audit:
    GET    /api/audit                       - Query audit log
    POST   /api/audit/{id}/undo             - Undo a manual change

  Admin:
    POST   /api/admin/overdue               - Overdue sweep

ERROR HANDLING:
  - 400 Bad Request: validation, invalid payment, empty invoice
  - 404 Not Found: unknown guardian, class, invoice or audit entry
  - 409 Conflict: wrong state, duplicate idempotency key, lock timeout
  - 422 Unprocessable Entity: consistency problems found by reconciliation
  - 500 Internal Server Error: everything else (logged)

SEE ALSO:
  - server.go: Route configuration
  - dto.go: Request/response types
  - engine/: business operations
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/config"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/engine"
)

const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine   *engine.Engine
	logger   logrus.FieldLogger
	validate *validator.Validate
	now      func() time.Time
}

// NewHandler creates a new handler.
func NewHandler(e *engine.Engine, logger logrus.FieldLogger) *Handler {
	return &Handler{
		engine:   e,
		logger:   logger.WithField("module", "api"),
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// GUARDIAN ENDPOINTS
// =============================================================================

// ListGuardians returns every guardian balance.
func (h *Handler) ListGuardians(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListGuardians(r.Context())
	if err != nil {
		h.fail(w, "Failed to list guardians", err)
		return
	}
	if list == nil {
		list = []billing.GuardianBalance{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetGuardian returns a guardian balance with its student rows.
func (h *Handler) GetGuardian(w http.ResponseWriter, r *http.Request) {
	id := guardianParam(r)
	g, err := h.engine.GetGuardian(r.Context(), id)
	if err != nil {
		h.fail(w, "Guardian not available", err)
		return
	}
	students, err := h.engine.ListStudents(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to list students", err)
		return
	}
	if students == nil {
		students = []billing.StudentBalance{}
	}
	writeJSON(w, http.StatusOK, GuardianDTO{GuardianBalance: g, Students: students})
}

func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.engine.ListStudents(r.Context(), guardianParam(r))
	if err != nil {
		h.fail(w, "Failed to list students", err)
		return
	}
	if students == nil {
		students = []billing.StudentBalance{}
	}
	writeJSON(w, http.StatusOK, students)
}

// ZeroGuardian zeroes the balance of a guardian whose account is deleted.
func (h *Handler) ZeroGuardian(w http.ResponseWriter, r *http.Request) {
	change, err := h.engine.ZeroGuardian(r.Context(), guardianParam(r), actorFrom(r), r.URL.Query().Get("reason"))
	if err != nil {
		h.fail(w, "Failed to zero guardian", err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

// ChangeGuardianHours pins the balance (op=set) or moves it (op=adjust).
func (h *Handler) ChangeGuardianHours(w http.ResponseWriter, r *http.Request) {
	var req HoursRequest
	if !h.bind(w, r, &req) {
		return
	}
	id := guardianParam(r)

	var (
		change billing.BalanceChange
		err    error
	)
	switch req.Op {
	case HoursSet:
		change, err = h.engine.SetGuardianHours(r.Context(), engine.SetHoursInput{
			GuardianID:    id,
			Hours:         req.Hours,
			AllowNegative: req.AllowNegative,
			Reason:        req.Reason,
		}, actorFrom(r))
	case HoursAdjust:
		change, err = h.engine.AdjustGuardianHours(r.Context(), id, req.Hours, actorFrom(r), req.Reason)
	}
	if err != nil {
		h.fail(w, "Failed to change hours", err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

// GetSummary returns the billing summary. stale=true means the aggregation
// timed out and the last known figures were served.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.GuardianSummary(r.Context(), guardianParam(r))
	if err != nil {
		h.fail(w, "Failed to build summary", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// consistencyResponse keeps the dry-run result next to the error so the
// operator can see what blocked the write.
type consistencyResponse struct {
	ErrorResponse
	Result engine.ReconcileResult `json:"result"`
}

// Reconcile recomputes a guardian's hours. Without a body it is a
// billing-mode dry run.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !h.bind(w, r, &req) {
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = billing.ModeBilling
	}

	res, err := h.engine.RecomputeGuardianHours(r.Context(), guardianParam(r), mode, req.dryRun(), actorFrom(r))
	if errors.Is(err, billing.ErrConsistency) {
		writeJSON(w, http.StatusUnprocessableEntity, consistencyResponse{
			ErrorResponse: ErrorResponse{Error: "Reconciliation blocked", Details: err.Error()},
			Result:        res,
		})
		return
	}
	if err != nil {
		h.fail(w, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) CheckDrift(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.CheckDrift(r.Context(), guardianParam(r))
	if err != nil {
		h.fail(w, "Failed to check drift", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListInvoices(r.Context(), guardianParam(r))
	if err != nil {
		h.fail(w, "Failed to list invoices", err)
		return
	}
	if list == nil {
		list = []*billing.Invoice{}
	}
	writeJSON(w, http.StatusOK, list)
}

// =============================================================================
// CLASS ENDPOINTS
// =============================================================================

func (h *Handler) GetClass(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.GetClass(r.Context(), billing.ClassID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Class not available", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// SaveClass stores a class and applies its ledger effect. Invoice linkage
// in the body is ignored; the engine keeps the stored value.
func (h *Handler) SaveClass(w http.ResponseWriter, r *http.Request) {
	var c billing.Class
	if !h.decode(w, r, &c) {
		return
	}
	id := billing.ClassID(chi.URLParam(r, "id"))
	if c.ID != "" && c.ID != id {
		writeError(w, http.StatusBadRequest, "Invalid request body", fmt.Errorf("class id %q does not match path %q", c.ID, id))
		return
	}
	c.ID = id

	change, err := h.engine.OnClassStateChanged(r.Context(), c, actorFrom(r))
	if err != nil {
		h.fail(w, "Failed to save class", err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

// SetClassStatus is the admin status change, recorded as an undoable entry.
func (h *Handler) SetClassStatus(w http.ResponseWriter, r *http.Request) {
	var req ClassStatusRequest
	if !h.bind(w, r, &req) {
		return
	}
	change, err := h.engine.SetClassStatus(r.Context(), billing.ClassID(chi.URLParam(r, "id")), req.Status, req.MissedBillable, actorFrom(r), req.Reason)
	if err != nil {
		h.fail(w, "Failed to change class status", err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (h *Handler) DeleteClass(w http.ResponseWriter, r *http.Request) {
	id := billing.ClassID(chi.URLParam(r, "id"))
	change, err := h.engine.DeleteClass(r.Context(), id, actorFrom(r), r.URL.Query().Get("reason"))
	if err != nil {
		h.fail(w, "Failed to delete class", err)
		return
	}
	writeJSON(w, http.StatusOK, DeletedClassDTO{ClassID: id, Balance: change})
}

// =============================================================================
// INVOICE ENDPOINTS
// =============================================================================

func (h *Handler) GenerateInvoice(w http.ResponseWriter, r *http.Request) {
	var in engine.GenerateInput
	if !h.decode(w, r, &in) {
		return
	}
	inv, err := h.engine.GenerateInvoice(r.Context(), in, actorFrom(r))
	if err != nil {
		h.fail(w, "Failed to generate invoice", err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.engine.GetInvoice(r.Context(), invoiceParam(r))
	if err != nil {
		h.fail(w, "Invoice not available", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) PublishInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.engine.PublishInvoice(r.Context(), invoiceParam(r), actorFrom(r))
	if err != nil {
		h.fail(w, "Failed to publish invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// ApplyPayment records a payment. The engine validates the body so that
// rejected payments still leave a payment_failed audit entry.
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	var in engine.PaymentInput
	if !h.decode(w, r, &in) {
		return
	}
	inv, err := h.engine.ApplyPayment(r.Context(), invoiceParam(r), in, actorFrom(r))
	if err != nil {
		h.fail(w, "Failed to apply payment", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) ApplyAdjustment(w http.ResponseWriter, r *http.Request) {
	var in engine.AdjustmentInput
	if !h.decode(w, r, &in) {
		return
	}
	res, err := h.engine.ApplyPostPaymentAdjustment(r.Context(), invoiceParam(r), in, actorFrom(r))
	if err != nil {
		h.fail(w, "Failed to adjust invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !h.bind(w, r, &req) {
		return
	}
	inv, err := h.engine.CancelInvoice(r.Context(), invoiceParam(r), actorFrom(r), req.Reason)
	if err != nil {
		h.fail(w, "Failed to cancel invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) SetInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	var req InvoiceStatusRequest
	if !h.bind(w, r, &req) {
		return
	}
	inv, err := h.engine.SetInvoiceStatus(r.Context(), invoiceParam(r), req.Status, actorFrom(r), req.Reason)
	if err != nil {
		h.fail(w, "Failed to change invoice status", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) AddDraftItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequest
	if !h.bind(w, r, &req) {
		return
	}
	inv, err := h.engine.AddClassToDraft(r.Context(), invoiceParam(r), req.ClassID, actorFrom(r))
	if err != nil {
		h.fail(w, "Failed to add item", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) RemoveDraftItem(w http.ResponseWriter, r *http.Request) {
	itemID := billing.ItemID(chi.URLParam(r, "itemId"))
	inv, err := h.engine.RemoveItemFromDraft(r.Context(), invoiceParam(r), itemID, actorFrom(r))
	if err != nil {
		h.fail(w, "Failed to remove item", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) RefreshDraft(w http.ResponseWriter, r *http.Request) {
	inv, err := h.engine.RefreshDraft(r.Context(), invoiceParam(r), actorFrom(r))
	if err != nil {
		h.fail(w, "Failed to refresh draft", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// =============================================================================
// AUDIT ENDPOINTS
// =============================================================================

// QueryAudit filters the audit log.
//
// Query parameters: entityType, entityId, guardianId, actor, action
// (repeatable), originalLogId, from, to (RFC 3339), limit.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}
	entries, err := h.engine.QueryAudit(r.Context(), f)
	if err != nil {
		h.fail(w, "Failed to query audit log", err)
		return
	}
	if entries == nil {
		entries = []billing.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func auditFilter(r *http.Request) (billing.AuditFilter, error) {
	q := r.URL.Query()
	f := billing.AuditFilter{
		EntityType:    q.Get("entityType"),
		EntityID:      q.Get("entityId"),
		GuardianID:    billing.GuardianID(q.Get("guardianId")),
		Actor:         q.Get("actor"),
		OriginalLogID: q.Get("originalLogId"),
	}
	for _, a := range q["action"] {
		f.Actions = append(f.Actions, billing.AuditAction(a))
	}
	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%s: %w", p.key, err)
		}
		*p.dst = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("limit: invalid value %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

// Undo reverses a manual change recorded in the audit log.
func (h *Handler) Undo(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !h.bind(w, r, &req) {
		return
	}
	entry, err := h.engine.Undo(r.Context(), chi.URLParam(r, "id"), actorFrom(r), req.Reason)
	if err != nil {
		h.fail(w, "Failed to undo", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// MarkOverdue runs the overdue sweep now.
func (h *Handler) MarkOverdue(w http.ResponseWriter, r *http.Request) {
	ids, err := h.engine.MarkOverdue(r.Context(), h.now())
	if err != nil {
		h.fail(w, "Failed to mark overdue invoices", err)
		return
	}
	if ids == nil {
		ids = []billing.InvoiceID{}
	}
	writeJSON(w, http.StatusOK, OverdueDTO{Count: len(ids), Invoices: ids})
}

// =============================================================================
// HELPERS
// =============================================================================

func guardianParam(r *http.Request) billing.GuardianID {
	return billing.GuardianID(chi.URLParam(r, "id"))
}

func invoiceParam(r *http.Request) billing.InvoiceID {
	return billing.InvoiceID(chi.URLParam(r, "id"))
}

// actorFrom reads the acting user set by the upstream gateway. Requests
// without one are attributed to the system actor by the engine.
func actorFrom(r *http.Request) engine.Actor {
	return engine.Actor{
		ID:   r.Header.Get(headerActorID),
		Role: r.Header.Get(headerActorRole),
	}
}

// decode reads a JSON body into dst. An empty body leaves dst untouched.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// bind decodes and validates a request DTO.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if !h.decode(w, r, dst) {
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			err = &billing.ValidationError{Field: ve[0].Field(), Message: "failed on '" + ve[0].Tag() + "'"}
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrValidation),
		errors.Is(err, billing.ErrInvalidPayment),
		errors.Is(err, billing.ErrEmptyInvoice):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrStateConflict),
		errors.Is(err, billing.ErrDuplicateIdempotencyKey),
		errors.Is(err, billing.ErrLockNotObtained):
		return http.StatusConflict
	case errors.Is(err, billing.ErrConsistency):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with the mapped status. Server errors are logged.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		config.LogError(h.logger, "api", "handler", message, nil, err)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Details: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
