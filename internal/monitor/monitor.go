package monitor

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/stanchev/swarmflow/internal/log"
	"github.com/stanchev/swarmflow/pkg/service"
)

// Runner schedules the heartbeat monitoring tick and the stuck-workflow
// sweep on fixed wall-clock cadences, independent of scheduling traffic.
type Runner struct {
	cron       *cron.Cron
	monitor    *service.HeartbeatMonitor
	diagnostic *service.StuckWorkflowDiagnostic
}

func NewRunner(monitor *service.HeartbeatMonitor, diagnostic *service.StuckWorkflowDiagnostic) *Runner {
	return &Runner{
		cron:       cron.New(),
		monitor:    monitor,
		diagnostic: diagnostic,
	}
}

// Start registers both jobs and runs the cron scheduler until ctx is done.
// Intervals use cron's "@every" syntax (e.g. "@every 5s").
func (r *Runner) Start(ctx context.Context, monitorEvery, diagnosticEvery string) error {
	logger := log.WithComponent("monitor-runner")
	if _, err := r.cron.AddFunc(monitorEvery, func() {
		if err := r.monitor.Tick(ctx); err != nil {
			logger.Errorf("Heartbeat tick failed: %v", err)
		}
	}); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc(diagnosticEvery, func() {
		if err := r.diagnostic.Sweep(ctx); err != nil {
			logger.Errorf("Diagnostic sweep failed: %v", err)
		}
	}); err != nil {
		return err
	}
	r.cron.Start()
	<-ctx.Done()
	<-r.cron.Stop().Done()
	return ctx.Err()
}
