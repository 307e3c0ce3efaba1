/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  unique ID per request, echoed in logs
  2. requestLog: one logrus line per request
  3. Recoverer:  panic recovery (500 instead of crash)
  4. CORS:       cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/guardians/*   balances, manual hours, reconciliation, drift, summary
  /api/classes/*     class saves and manual status changes
  /api/invoices/*    invoice lifecycle and post-payment adjustments
  /api/audit/*       audit log and undo
  /api/admin/*       maintenance sweeps

SECURITY NOTE:
  Authentication happens upstream. The acting user is read from the
  X-Actor-ID and X-Actor-Role headers and recorded in the audit log.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// RouterOptions tunes the router. Zero values are usable.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLog(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerActorID, headerActorRole},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/guardians", func(r chi.Router) {
			r.Get("/", h.ListGuardians)
			r.Get("/{id}", h.GetGuardian)
			r.Delete("/{id}", h.ZeroGuardian)
			r.Post("/{id}/hours", h.ChangeGuardianHours)
			r.Get("/{id}/students", h.ListStudents)
			r.Get("/{id}/summary", h.GetSummary)
			r.Post("/{id}/reconcile", h.Reconcile)
			r.Get("/{id}/drift", h.CheckDrift)
			r.Get("/{id}/invoices", h.ListInvoices)
		})

		r.Route("/classes", func(r chi.Router) {
			r.Get("/{id}", h.GetClass)
			r.Put("/{id}", h.SaveClass)
			r.Delete("/{id}", h.DeleteClass)
			r.Post("/{id}/status", h.SetClassStatus)
		})

		r.Route("/invoices", func(r chi.Router) {
			r.Post("/", h.GenerateInvoice)
			r.Get("/{id}", h.GetInvoice)
			r.Post("/{id}/publish", h.PublishInvoice)
			r.Post("/{id}/payments", h.ApplyPayment)
			r.Post("/{id}/adjustments", h.ApplyAdjustment)
			r.Post("/{id}/cancel", h.CancelInvoice)
			r.Post("/{id}/status", h.SetInvoiceStatus)
			r.Post("/{id}/items", h.AddDraftItem)
			r.Delete("/{id}/items/{itemId}", h.RemoveDraftItem)
			r.Post("/{id}/refresh", h.RefreshDraft)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", h.QueryAudit)
			r.Post("/{id}/undo", h.Undo)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/overdue", h.MarkOverdue)
		})
	})

	return r
}

// requestLog logs method, path, status and latency for every request.
func requestLog(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			entry := logger.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"latency":    time.Since(start).String(),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("request failed")
				return
			}
			entry.Debug("request")
		})
	}
}
