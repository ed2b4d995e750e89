package sweep

import (
	"context"

	"market-settlement/utils"

	"github.com/robfig/cron/v3"
)

// Runner schedules jobs on a seconds-resolution cron. Overlapping runs of the
// same job are skipped rather than queued.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context
}

// NewRunner creates a runner whose jobs receive baseCtx
func NewRunner(baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		baseCtx: baseCtx,
	}
}

// Add registers job under a cron spec such as "@every 5s" or "*/10 * * * * *"
func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		job(r.baseCtx)
	})
}

// Start begins scheduling in the background
func (r *Runner) Start() {
	utils.Info("cron started", map[string]any{"entries": len(r.cron.Entries())})
	r.cron.Start()
}

// Stop waits for running jobs to return
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	utils.Info("cron stopped", nil)
}
