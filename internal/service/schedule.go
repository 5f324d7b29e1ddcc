package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Schedules holds cron expressions for the background sweeps. An empty
// expression disables that job.
type Schedules struct {
	Seal   string `yaml:"seal"`
	Verify string `yaml:"verify"`
	Scan   string `yaml:"scan"`
}

// Scheduler drives periodic sealing, integrity sweeps and anomaly scans
// through the façade. Apply replaces the active entries wholesale, so a
// config reload resyncs the schedules without a restart.
type Scheduler struct {
	svc *Service

	mu      sync.Mutex
	c       *cron.Cron
	entries []cron.EntryID
}

// NewScheduler wires a stopped scheduler; call Apply then Start.
func NewScheduler(svc *Service) *Scheduler {
	return &Scheduler{svc: svc, c: cron.New()}
}

// Apply removes all current entries and installs the given schedules.
// Invalid expressions are logged and skipped so one typo cannot take
// down the remaining sweeps.
func (s *Scheduler) Apply(sch Schedules) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entries {
		s.c.Remove(id)
	}
	s.entries = s.entries[:0]

	jobs := []struct {
		name string
		expr string
		run  func()
	}{
		{"seal", sch.Seal, s.runSeal},
		{"verify", sch.Verify, s.runVerify},
		{"scan", sch.Scan, s.runScan},
	}
	for _, j := range jobs {
		if j.expr == "" {
			continue
		}
		id, err := s.c.AddFunc(j.expr, j.run)
		if err != nil {
			slog.Warn("invalid cron expression, job disabled", "job", j.name, "cron", j.expr, "error", err)
			continue
		}
		s.entries = append(s.entries, id)
		slog.Info("scheduled job", "job", j.name, "cron", j.expr)
	}
}

// Start begins running the applied schedules in their own goroutine.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the scheduler. The returned context is done once any
// running job has finished.
func (s *Scheduler) Stop() context.Context {
	return s.c.Stop()
}

func (s *Scheduler) runSeal() {
	n, err := s.svc.sealSweep(context.Background())
	if err != nil {
		slog.Error("scheduled sealing failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("scheduled sealing done", "batches", n)
	}
}

func (s *Scheduler) runVerify() {
	results, err := s.svc.verifySweep(context.Background(), false)
	if err != nil {
		slog.Error("integrity sweep failed", "error", err)
	}
	for _, r := range results {
		if !r.Valid {
			slog.Error("integrity sweep found a broken chain",
				"tenant", r.TenantID, "breaks", len(r.Breaks), "first_break", r.Breaks[0].Seq)
		}
	}
}

func (s *Scheduler) runScan() {
	reports, err := s.svc.scanSweep(context.Background())
	if err != nil {
		slog.Error("scheduled anomaly scan failed", "error", err)
	}
	for _, r := range reports {
		if len(r.Findings) > 0 {
			slog.Warn("anomaly scan reported findings",
				"tenant", r.TenantID, "findings", len(r.Findings), "risk_score", r.RiskScore)
		}
	}
}
