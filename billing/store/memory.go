// Package store provides an in-memory billing.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every collection in maps guarded by one RWMutex. Reads and
// writes hand out clones so callers never alias stored state.
type Memory struct {
	mu sync.RWMutex
	st *state
}

var _ billing.Store = (*Memory)(nil)

type state struct {
	guardians   map[billing.GuardianID]billing.GuardianBalance
	classes     map[billing.ClassID]billing.Class
	invoices    map[billing.InvoiceID]*billing.Invoice
	students    map[billing.GuardianID]map[string]billing.StudentBalance
	audit       []billing.AuditEntry
	idempotency map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func newState() *state {
	return &state{
		guardians:   make(map[billing.GuardianID]billing.GuardianBalance),
		classes:     make(map[billing.ClassID]billing.Class),
		invoices:    make(map[billing.InvoiceID]*billing.Invoice),
		students:    make(map[billing.GuardianID]map[string]billing.StudentBalance),
		idempotency: make(map[string]time.Time),
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn while holding the write lock.
// For memory store, this is simulated with a snapshot + rollback on error.
// fn must use the tx it is given, never m itself.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&txView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.guardians {
		out.guardians[k] = v
	}
	for k, v := range s.classes {
		out.classes[k] = v.Clone()
	}
	for k, v := range s.invoices {
		out.invoices[k] = v.Clone()
	}
	for g, rows := range s.students {
		cp := make(map[string]billing.StudentBalance, len(rows))
		for k, v := range rows {
			cp[k] = v
		}
		out.students[g] = cp
	}
	out.audit = append([]billing.AuditEntry(nil), s.audit...)
	for k, v := range s.idempotency {
		out.idempotency[k] = v
	}
	return out
}

// txView runs against the state while the parent lock is held.
type txView struct {
	st *state
}

// =============================================================================
// STATE OPERATIONS - Caller holds the lock
// =============================================================================

func (s *state) getGuardian(id billing.GuardianID) (billing.GuardianBalance, error) {
	g, ok := s.guardians[id]
	if !ok {
		return billing.GuardianBalance{}, billing.NewNotFound("guardian", string(id))
	}
	return g, nil
}

func (s *state) listGuardians() []billing.GuardianBalance {
	out := make([]billing.GuardianBalance, 0, len(s.guardians))
	for _, g := range s.guardians {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuardianID < out[j].GuardianID })
	return out
}

func (s *state) getClass(id billing.ClassID) (billing.Class, error) {
	c, ok := s.classes[id]
	if !ok {
		return billing.Class{}, billing.NewNotFound("class", string(id))
	}
	return c.Clone(), nil
}

func (s *state) listClasses(id billing.GuardianID) []billing.Class {
	var out []billing.Class
	for _, c := range s.classes {
		if c.GuardianID == id {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out
}

func (s *state) getInvoice(id billing.InvoiceID) (*billing.Invoice, error) {
	inv, ok := s.invoices[id]
	if !ok {
		return nil, billing.NewNotFound("invoice", string(id))
	}
	return inv.Clone(), nil
}

func (s *state) listInvoices(match func(*billing.Invoice) bool) []*billing.Invoice {
	var out []*billing.Invoice
	for _, inv := range s.invoices {
		if match(inv) {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *state) listStudents(id billing.GuardianID) []billing.StudentBalance {
	rows := s.students[id]
	out := make([]billing.StudentBalance, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentKey < out[j].StudentKey })
	return out
}

func (s *state) getAudit(id string) (billing.AuditEntry, error) {
	for _, e := range s.audit {
		if e.ID == id {
			return e, nil
		}
	}
	return billing.AuditEntry{}, billing.NewNotFound("audit entry", id)
}

func (s *state) queryAudit(f billing.AuditFilter) []billing.AuditEntry {
	var out []billing.AuditEntry
	for _, e := range s.audit {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (s *state) createGuardian(id billing.GuardianID, at time.Time) (billing.GuardianBalance, bool) {
	if g, ok := s.guardians[id]; ok {
		return g, false
	}
	g := billing.GuardianBalance{
		GuardianID:     id,
		TotalHours:     decimal.Zero,
		AutoTotalHours: true,
		Mode:           billing.ModeBilling,
		UpdatedAt:      at,
	}
	s.guardians[id] = g
	return g, true
}

func (s *state) adjustGuardian(id billing.GuardianID, delta decimal.Decimal, at time.Time) (billing.BalanceChange, error) {
	g, ok := s.guardians[id]
	if !ok {
		return billing.BalanceChange{}, billing.NewNotFound("guardian", string(id))
	}
	before := g.TotalHours
	g.TotalHours = before.Add(delta)
	g.UpdatedAt = at
	s.guardians[id] = g
	return billing.BalanceChange{GuardianID: id, Before: before, After: g.TotalHours, Delta: delta}, nil
}

func (s *state) setGuardian(id billing.GuardianID, hours decimal.Decimal, auto bool, mode billing.BalanceMode, at time.Time) (billing.BalanceChange, error) {
	g, ok := s.guardians[id]
	if !ok {
		return billing.BalanceChange{}, billing.NewNotFound("guardian", string(id))
	}
	before := g.TotalHours
	g.TotalHours = hours
	g.AutoTotalHours = auto
	g.Mode = mode
	g.UpdatedAt = at
	s.guardians[id] = g
	return billing.BalanceChange{GuardianID: id, Before: before, After: hours, Delta: hours.Sub(before)}, nil
}

func (s *state) markGuardianDeleted(id billing.GuardianID, at time.Time) error {
	g, ok := s.guardians[id]
	if !ok {
		return billing.NewNotFound("guardian", string(id))
	}
	g.Deleted = true
	g.UpdatedAt = at
	s.guardians[id] = g
	return nil
}

func (s *state) deleteClass(id billing.ClassID) error {
	if _, ok := s.classes[id]; !ok {
		return billing.NewNotFound("class", string(id))
	}
	delete(s.classes, id)
	return nil
}

func (s *state) createInvoice(inv *billing.Invoice) error {
	if _, ok := s.invoices[inv.ID]; ok {
		return &billing.StateConflictError{Entity: "invoice", ID: string(inv.ID), Status: string(inv.Status), Operation: "create"}
	}
	s.invoices[inv.ID] = inv.Clone()
	return nil
}

func (s *state) updateInvoice(inv *billing.Invoice) error {
	if _, ok := s.invoices[inv.ID]; !ok {
		return billing.NewNotFound("invoice", string(inv.ID))
	}
	s.invoices[inv.ID] = inv.Clone()
	return nil
}

func (s *state) adjustStudent(g billing.GuardianID, key, name string, delta decimal.Decimal) billing.StudentBalance {
	rows := s.students[g]
	if rows == nil {
		rows = make(map[string]billing.StudentBalance)
		s.students[g] = rows
	}
	row, ok := rows[key]
	if !ok {
		row = billing.StudentBalance{StudentKey: key, GuardianID: g, Name: name, HoursRemaining: decimal.Zero}
	}
	if row.Name == "" {
		row.Name = name
	}
	row.HoursRemaining = row.HoursRemaining.Add(delta)
	rows[key] = row
	return row
}

func (s *state) setStudent(g billing.GuardianID, key, name string, hours decimal.Decimal) {
	row := s.adjustStudent(g, key, name, decimal.Zero)
	row.HoursRemaining = hours
	s.students[g][key] = row
}

func (s *state) claim(key string, at time.Time) error {
	if _, ok := s.idempotency[key]; ok {
		return billing.ErrDuplicateIdempotencyKey
	}
	s.idempotency[key] = at
	return nil
}

// =============================================================================
// MEMORY - Locking wrappers
// =============================================================================

func (m *Memory) GetGuardian(_ context.Context, id billing.GuardianID) (billing.GuardianBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getGuardian(id)
}

func (m *Memory) ListGuardians(_ context.Context) ([]billing.GuardianBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listGuardians(), nil
}

func (m *Memory) GetClass(_ context.Context, id billing.ClassID) (billing.Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getClass(id)
}

func (m *Memory) ListClassesByGuardian(_ context.Context, id billing.GuardianID) ([]billing.Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listClasses(id), nil
}

func (m *Memory) GetInvoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getInvoice(id)
}

func (m *Memory) ListInvoicesByGuardian(_ context.Context, id billing.GuardianID) ([]*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listInvoices(byGuardian(id)), nil
}

func (m *Memory) ListInvoicesByStatus(_ context.Context, statuses ...billing.InvoiceStatus) ([]*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listInvoices(byStatus(statuses)), nil
}

func (m *Memory) ListStudents(_ context.Context, id billing.GuardianID) ([]billing.StudentBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listStudents(id), nil
}

func (m *Memory) GetAudit(_ context.Context, id string) (billing.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getAudit(id)
}

func (m *Memory) QueryAudit(_ context.Context, f billing.AuditFilter) ([]billing.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.queryAudit(f), nil
}

func (m *Memory) CreateGuardian(_ context.Context, id billing.GuardianID, at time.Time) (billing.GuardianBalance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, created := m.st.createGuardian(id, at)
	return g, created, nil
}

func (m *Memory) AdjustGuardianHours(_ context.Context, id billing.GuardianID, delta decimal.Decimal, at time.Time) (billing.BalanceChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.adjustGuardian(id, delta, at)
}

func (m *Memory) SetGuardianHours(_ context.Context, id billing.GuardianID, hours decimal.Decimal, auto bool, mode billing.BalanceMode, at time.Time) (billing.BalanceChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.setGuardian(id, hours, auto, mode, at)
}

func (m *Memory) MarkGuardianDeleted(_ context.Context, id billing.GuardianID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.markGuardianDeleted(id, at)
}

func (m *Memory) SaveClass(_ context.Context, c billing.Class) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.classes[c.ID] = c.Clone()
	return nil
}

func (m *Memory) DeleteClass(_ context.Context, id billing.ClassID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.deleteClass(id)
}

func (m *Memory) CreateInvoice(_ context.Context, inv *billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createInvoice(inv)
}

func (m *Memory) UpdateInvoice(_ context.Context, inv *billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateInvoice(inv)
}

func (m *Memory) AdjustStudentHours(_ context.Context, g billing.GuardianID, key, name string, delta decimal.Decimal) (billing.StudentBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.adjustStudent(g, key, name, delta), nil
}

func (m *Memory) SetStudentHours(_ context.Context, g billing.GuardianID, key, name string, hours decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.setStudent(g, key, name, hours)
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, e billing.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.audit = append(m.st.audit, e)
	return nil
}

func (m *Memory) ClaimIdempotencyKey(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.claim(key, at)
}

// =============================================================================
// TX VIEW - Same operations without locking
// =============================================================================

func (tv *txView) GetGuardian(_ context.Context, id billing.GuardianID) (billing.GuardianBalance, error) {
	return tv.st.getGuardian(id)
}

func (tv *txView) ListGuardians(_ context.Context) ([]billing.GuardianBalance, error) {
	return tv.st.listGuardians(), nil
}

func (tv *txView) GetClass(_ context.Context, id billing.ClassID) (billing.Class, error) {
	return tv.st.getClass(id)
}

func (tv *txView) ListClassesByGuardian(_ context.Context, id billing.GuardianID) ([]billing.Class, error) {
	return tv.st.listClasses(id), nil
}

func (tv *txView) GetInvoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	return tv.st.getInvoice(id)
}

func (tv *txView) ListInvoicesByGuardian(_ context.Context, id billing.GuardianID) ([]*billing.Invoice, error) {
	return tv.st.listInvoices(byGuardian(id)), nil
}

func (tv *txView) ListInvoicesByStatus(_ context.Context, statuses ...billing.InvoiceStatus) ([]*billing.Invoice, error) {
	return tv.st.listInvoices(byStatus(statuses)), nil
}

func (tv *txView) ListStudents(_ context.Context, id billing.GuardianID) ([]billing.StudentBalance, error) {
	return tv.st.listStudents(id), nil
}

func (tv *txView) GetAudit(_ context.Context, id string) (billing.AuditEntry, error) {
	return tv.st.getAudit(id)
}

func (tv *txView) QueryAudit(_ context.Context, f billing.AuditFilter) ([]billing.AuditEntry, error) {
	return tv.st.queryAudit(f), nil
}

func (tv *txView) CreateGuardian(_ context.Context, id billing.GuardianID, at time.Time) (billing.GuardianBalance, bool, error) {
	g, created := tv.st.createGuardian(id, at)
	return g, created, nil
}

func (tv *txView) AdjustGuardianHours(_ context.Context, id billing.GuardianID, delta decimal.Decimal, at time.Time) (billing.BalanceChange, error) {
	return tv.st.adjustGuardian(id, delta, at)
}

func (tv *txView) SetGuardianHours(_ context.Context, id billing.GuardianID, hours decimal.Decimal, auto bool, mode billing.BalanceMode, at time.Time) (billing.BalanceChange, error) {
	return tv.st.setGuardian(id, hours, auto, mode, at)
}

func (tv *txView) MarkGuardianDeleted(_ context.Context, id billing.GuardianID, at time.Time) error {
	return tv.st.markGuardianDeleted(id, at)
}

func (tv *txView) SaveClass(_ context.Context, c billing.Class) error {
	tv.st.classes[c.ID] = c.Clone()
	return nil
}

func (tv *txView) DeleteClass(_ context.Context, id billing.ClassID) error {
	return tv.st.deleteClass(id)
}

func (tv *txView) CreateInvoice(_ context.Context, inv *billing.Invoice) error {
	return tv.st.createInvoice(inv)
}

func (tv *txView) UpdateInvoice(_ context.Context, inv *billing.Invoice) error {
	return tv.st.updateInvoice(inv)
}

func (tv *txView) AdjustStudentHours(_ context.Context, g billing.GuardianID, key, name string, delta decimal.Decimal) (billing.StudentBalance, error) {
	return tv.st.adjustStudent(g, key, name, delta), nil
}

func (tv *txView) SetStudentHours(_ context.Context, g billing.GuardianID, key, name string, hours decimal.Decimal) error {
	tv.st.setStudent(g, key, name, hours)
	return nil
}

func (tv *txView) AppendAudit(_ context.Context, e billing.AuditEntry) error {
	tv.st.audit = append(tv.st.audit, e)
	return nil
}

func (tv *txView) ClaimIdempotencyKey(_ context.Context, key string, at time.Time) error {
	return tv.st.claim(key, at)
}

// =============================================================================
// FILTERS
// =============================================================================

func byGuardian(id billing.GuardianID) func(*billing.Invoice) bool {
	return func(inv *billing.Invoice) bool { return inv.GuardianID == id }
}

func byStatus(statuses []billing.InvoiceStatus) func(*billing.Invoice) bool {
	return func(inv *billing.Invoice) bool {
		for _, s := range statuses {
			if inv.Status == s {
				return true
			}
		}
		return len(statuses) == 0
	}
}

var (
	_ billing.Store = (*Memory)(nil)
	_ billing.Tx    = (*txView)(nil)
)
