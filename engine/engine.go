/*
Package engine orchestrates the hour-balance ledger and invoice billing.

PURPOSE:
  The billing package computes; this package decides, locks, writes and
  tells people. Every public operation follows the same shape:

    1. validate input
    2. acquire locks (invoice first, then guardian)
    3. store.WithTx: re-read state, decide, write balance + records + audit
    4. after commit: enqueue notifications (fire-and-forget)

COMPONENTS:
  invoices.go    - Invoice Lifecycle Manager: generate, publish, pay, cancel,
                   draft editing, overdue sweep
  classes.go     - Class-Linkage Hook and guarded class deletion
  reconcile.go   - Reconciliation Engine and drift checks
  adjustments.go - Adjustment Engine (post-payment corrections)
  audit.go       - audit queries and undo
  guardian.go    - guardian accounts and manual balance operations
  summary.go     - balance summary with an aggregation timeout

ATOMICITY:
  A failed operation leaves nothing behind: the balance change, the audit
  entry and the invoice/class writes share one transaction. Failure audit
  entries (payment_failed, adjustment_failed) are written after the
  rollback, best effort.

LOCKING:
  All writers for one guardian serialize on the guardian lock. Invoice
  operations also hold the invoice lock, taken first. Reconciliation apply
  takes the same guardian lock, so it cannot interleave with an
  incremental update in this process (or across processes with lock.Redis).

SEE ALSO:
  - billing/store.go: the Store contract
  - lock/lock.go: lockers
  - notify/queue.go: asynchronous delivery
*/
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/config"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/lock"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/notify"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/settings"
)

// =============================================================================
// ACTORS
// =============================================================================

// Actor identifies who performed an operation.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// System is the actor for scheduled and automatic work.
var System = Actor{ID: "system", Role: "system"}

func (a Actor) orSystem() Actor {
	if a.ID == "" {
		return System
	}
	return a
}

// =============================================================================
// ENGINE
// =============================================================================

// OverpaymentPolicy decides what happens to money beyond the outstanding
// amount of an invoice.
type OverpaymentPolicy string

const (
	OverpaymentReject OverpaymentPolicy = "reject"
	OverpaymentCredit OverpaymentPolicy = "credit" // excess becomes guardian hours
)

type Options struct {
	Locker             lock.Locker        // default lock.NewLocal
	Notifier           notify.Notifier    // default notify.Discard
	Logger             logrus.FieldLogger // default discards
	Clock              func() time.Time   // default time.Now().UTC()
	Overpayment        OverpaymentPolicy  // default reject
	UndoWindow         time.Duration      // default 7 days
	AggregationTimeout time.Duration      // default 2s
	OperatorRecipient  string             // default "operators"
}

type Engine struct {
	store    billing.Store
	settings settings.Provider
	locker   lock.Locker
	notifier notify.Notifier
	logger   logrus.FieldLogger
	now      func() time.Time
	opts     Options

	summaryMu sync.Mutex
	summaries map[billing.GuardianID]Summary
}

var validate = validator.New()

func New(store billing.Store, provider settings.Provider, opts Options) *Engine {
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal(0)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		opts.Logger = l
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Overpayment == "" {
		opts.Overpayment = OverpaymentReject
	}
	if opts.UndoWindow <= 0 {
		opts.UndoWindow = 7 * 24 * time.Hour
	}
	if opts.AggregationTimeout <= 0 {
		opts.AggregationTimeout = 2 * time.Second
	}
	if opts.OperatorRecipient == "" {
		opts.OperatorRecipient = "operators"
	}
	return &Engine{
		store:     store,
		settings:  provider,
		locker:    opts.Locker,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
		now:       opts.Clock,
		opts:      opts,
		summaries: make(map[billing.GuardianID]Summary),
	}
}

// Store exposes the underlying store for read-only callers.
func (e *Engine) Store() billing.Reader { return e.store }

// =============================================================================
// TRANSACTION HELPERS
// =============================================================================

// locked runs fn in a transaction while holding the given lock keys, in order.
func (e *Engine) locked(ctx context.Context, keys []string, fn func(tx billing.Tx) error) error {
	unlock, err := lock.AcquireAll(ctx, e.locker, keys...)
	if err != nil {
		return err
	}
	defer unlock()
	return e.store.WithTx(ctx, fn)
}

func guardianKeys(id billing.GuardianID) []string {
	return []string{lock.GuardianKey(id)}
}

func invoiceKeys(inv billing.InvoiceID, g billing.GuardianID) []string {
	return []string{lock.InvoiceKey(inv), lock.GuardianKey(g)}
}

// auditRecord is the input to writeAudit.
type auditRecord struct {
	action     billing.AuditAction
	kind       billing.AuditKind
	entityType string
	entityID   string
	guardianID billing.GuardianID
	actor      Actor
	before     any
	after      any
	reason     string
	metadata   map[string]any
	original   string
}

func (e *Engine) newAudit(r auditRecord) (billing.AuditEntry, error) {
	entry, err := billing.NewAuditEntry(r.action, r.kind, r.entityType, r.entityID, r.before, r.after, e.now())
	if err != nil {
		return entry, err
	}
	actor := r.actor.orSystem()
	entry.GuardianID = r.guardianID
	entry.Actor = actor.ID
	entry.ActorRole = actor.Role
	entry.Reason = r.reason
	entry.Metadata = r.metadata
	entry.OriginalLogID = r.original
	return entry, nil
}

func (e *Engine) writeAudit(ctx context.Context, tx billing.Tx, r auditRecord) (billing.AuditEntry, error) {
	entry, err := e.newAudit(r)
	if err != nil {
		return entry, err
	}
	return entry, tx.AppendAudit(ctx, entry)
}

// auditFailure records a failed operation outside any transaction. Errors are
// logged only.
func (e *Engine) auditFailure(ctx context.Context, r auditRecord, cause error) {
	if r.metadata == nil {
		r.metadata = map[string]any{}
	}
	r.metadata["error"] = cause.Error()
	entry, err := e.newAudit(r)
	if err == nil {
		entry.Success = false
		err = e.store.AppendAudit(context.WithoutCancel(ctx), entry)
	}
	if err != nil {
		config.LogError(e.logger, "engine", "auditFailure", string(r.action), r.entityID, err)
	}
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// send delivers notifications that were collected during a committed
// operation. Failures are logged and swallowed.
func (e *Engine) send(ctx context.Context, ns []notify.Notification) {
	for _, n := range ns {
		if err := e.notifier.Notify(ctx, n); err != nil {
			var dn *billing.DownstreamNotificationError
			if !errors.As(err, &dn) {
				err = &billing.DownstreamNotificationError{Recipient: n.Recipient, Err: err}
			}
			e.logger.WithFields(logrus.Fields{
				"module":    "engine",
				"recipient": n.Recipient,
				"title":     n.Title,
			}).Warn(err.Error())
		}
	}
}

func (e *Engine) warnNegative(change billing.BalanceChange, action billing.AuditAction) {
	if !change.WentNegative() {
		return
	}
	e.logger.WithFields(logrus.Fields{
		"module":      "engine",
		"guardian_id": change.GuardianID,
		"action":      action,
		"before":      change.Before.String(),
		"after":       change.After.String(),
	}).Warn("guardian balance went negative")
}

// financialSettings reads live settings for a guardian.
func (e *Engine) financialSettings(ctx context.Context, id billing.GuardianID) (settings.GuardianSettings, error) {
	gs, err := e.settings.GuardianSettings(ctx, id)
	if err != nil {
		return gs, err
	}
	if gs.HourlyRate.IsNegative() {
		return gs, &billing.ValidationError{Field: "hourlyRate", Message: "guardian settings carry a negative rate"}
	}
	return gs, nil
}

// validationError converts validator output into a billing.ValidationError.
func validationError(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		f := ve[0]
		return &billing.ValidationError{Field: f.Field(), Message: "failed on '" + f.Tag() + "'"}
	}
	return &billing.ValidationError{Field: "input", Message: err.Error()}
}
