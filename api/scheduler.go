/*
scheduler.go - Periodic drift audit and overdue sweep

PURPOSE:
  Periodically compares every guardian's stored balance with a
  recomputation from source records, reports drift to operators and
  optionally repairs it. Each tick also runs the overdue sweep.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Guardians are checked in parallel, bounded by Concurrency (errgroup)
  - One guardian failing is logged and counted; the run continues
  - Auto-repair applies a reconciliation in the guardian's own mode, and
    never for pinned balances or when consistency problems were found

CONFIGURATION:
  - CheckInterval: how often to run (DRIFT_CHECK_INTERVAL, 0 disables)
  - AutoRepair:    apply reconciliation on drift (DRIFT_AUTO_REPAIR)
  - Concurrency:   guardians checked at once (DRIFT_CONCURRENCY)

USAGE:
  s := NewDriftScheduler(eng, notifier, logger)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: CheckDrift and Reconcile endpoints (manual)
  - engine/reconcile.go: CheckDrift, RecomputeGuardianHours
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/engine"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/notify"
	"golang.org/x/sync/errgroup"
)

// DriftScheduler runs drift audits and the overdue sweep on a ticker.
type DriftScheduler struct {
	Engine        *engine.Engine
	Notifier      notify.Notifier
	CheckInterval time.Duration
	AutoRepair    bool
	Concurrency   int
	Recipient     string
	Now           func() time.Time

	logger logrus.FieldLogger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// DriftRun summarizes one pass.
type DriftRun struct {
	At       time.Time            `json:"at"`
	Checked  int                  `json:"checked"`
	Drifted  []billing.GuardianID `json:"drifted"`
	Repaired []billing.GuardianID `json:"repaired"`
	Overdue  []billing.InvoiceID  `json:"overdue"`
	Failed   int                  `json:"failed"`
}

// NewDriftScheduler creates a scheduler with an hourly interval.
func NewDriftScheduler(e *engine.Engine, n notify.Notifier, logger logrus.FieldLogger) *DriftScheduler {
	if n == nil {
		n = notify.Discard
	}
	return &DriftScheduler{
		Engine:        e,
		Notifier:      n,
		CheckInterval: time.Hour,
		Concurrency:   4,
		Recipient:     "operators",
		Now:           func() time.Time { return time.Now().UTC() },
		logger:        logger.WithField("module", "scheduler"),
	}
}

// Start begins the scheduler. A zero interval disables it.
func (s *DriftScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CheckInterval <= 0 {
		s.logger.Info("drift scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.logger.WithFields(logrus.Fields{
		"interval":    s.CheckInterval.String(),
		"auto_repair": s.AutoRepair,
	}).Info("drift scheduler started")
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *DriftScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.logger.Info("drift scheduler stopped")
	}
}

func (s *DriftScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run immediately on start
	s.tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-stop:
			return
		}
	}
}

func (s *DriftScheduler) tick(ctx context.Context) {
	res, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.WithError(err).Error("drift run failed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"checked":  res.Checked,
		"drifted":  len(res.Drifted),
		"repaired": len(res.Repaired),
		"overdue":  len(res.Overdue),
		"failed":   res.Failed,
	}).Info("drift run complete")
}

// RunOnce performs one overdue sweep and one drift audit over all
// guardians. Only a failure to list guardians is returned as an error.
func (s *DriftScheduler) RunOnce(ctx context.Context) (DriftRun, error) {
	run := DriftRun{At: s.Now()}

	overdue, err := s.Engine.MarkOverdue(ctx, run.At)
	if err != nil {
		s.logger.WithError(err).Warn("overdue sweep failed")
		run.Failed++
	}
	run.Overdue = overdue

	guardians, err := s.Engine.ListGuardians(ctx)
	if err != nil {
		return run, fmt.Errorf("list guardians: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if s.Concurrency > 0 {
		g.SetLimit(s.Concurrency)
	}
	for _, guardian := range guardians {
		if guardian.Deleted {
			continue
		}
		id := guardian.GuardianID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			report, repaired, err := s.checkGuardian(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			run.Checked++
			switch {
			case err != nil:
				run.Failed++
			case report.HasDrift:
				run.Drifted = append(run.Drifted, id)
				if repaired {
					run.Repaired = append(run.Repaired, id)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return run, err
	}
	return run, nil
}

func (s *DriftScheduler) checkGuardian(ctx context.Context, id billing.GuardianID) (engine.DriftReport, bool, error) {
	log := s.logger.WithField("guardian_id", id)

	report, err := s.Engine.CheckDrift(ctx, id)
	if err != nil {
		log.WithError(err).Warn("drift check failed")
		return report, false, err
	}
	if !report.HasDrift {
		return report, false, nil
	}

	log = log.WithFields(logrus.Fields{
		"stored":   report.Stored.String(),
		"computed": report.Computed.String(),
		"drift":    report.Drift.String(),
		"pinned":   report.Pinned,
	})
	log.Warn("balance drift detected")

	repaired := false
	if s.AutoRepair && !report.Pinned && len(report.Problems) == 0 {
		if _, err := s.Engine.RecomputeGuardianHours(ctx, id, report.Mode, false, engine.System); err != nil {
			log.WithError(err).Warn("drift repair failed")
		} else {
			repaired = true
			log.Info("drift repaired")
		}
	}
	s.notifyDrift(ctx, report, repaired)
	return report, repaired, nil
}

func (s *DriftScheduler) notifyDrift(ctx context.Context, report engine.DriftReport, repaired bool) {
	msg := fmt.Sprintf("Guardian %s: stored %s hours, computed %s (drift %s).",
		report.GuardianID, report.Stored.String(), report.Computed.String(), report.Drift.String())
	if repaired {
		msg += " The balance was repaired."
	}
	err := s.Notifier.Notify(ctx, notify.Notification{
		Recipient: s.Recipient,
		Title:     "Balance drift detected",
		Message:   msg,
		Metadata: map[string]any{
			"guardianId": string(report.GuardianID),
			"mode":       string(report.Mode),
			"drift":      report.Drift.String(),
			"pinned":     report.Pinned,
			"repaired":   repaired,
		},
	})
	if err != nil {
		s.logger.WithError(&billing.DownstreamNotificationError{Recipient: s.Recipient, Err: err}).Warn("notification dropped")
	}
}
