// Package poller ends runs whose auto-end deadline has passed. It runs as its
// own process and talks to the API through the SDK with a key holding the
// system.autoend permission.
package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	raidlinesdk "raidline/sdk/go"
)

// DefaultSchedule sweeps every minute.
const DefaultSchedule = "@every 1m"

// API is the slice of the SDK the poller needs.
type API interface {
	DueRuns(ctx context.Context, limit int) ([]raidlinesdk.Run, error)
	AutoEnd(ctx context.Context, runID string) (raidlinesdk.Run, error)
}

type Poller struct {
	api   API
	log   logrus.FieldLogger
	limit int
	cron  *cron.Cron
}

func New(api API, logger logrus.FieldLogger) *Poller {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Poller{
		api:   api,
		log:   logger.WithField("component", "poller"),
		limit: 100,
		cron:  cron.New(),
	}
}

// Sweep ends every due run once. A run that someone else ended first is
// skipped; other failures are logged and counted.
func (p *Poller) Sweep(ctx context.Context) (ended int, err error) {
	runs, err := p.api.DueRuns(ctx, p.limit)
	if err != nil {
		return 0, fmt.Errorf("list due runs: %w", err)
	}
	var failed int
	for _, run := range runs {
		log := p.log.WithFields(logrus.Fields{"run_id": run.ID, "community_id": run.CommunityID})
		if _, err := p.api.AutoEnd(ctx, run.ID); err != nil {
			var apiErr *raidlinesdk.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
				log.WithField("code", apiErr.Code).Debug("run already ended")
				continue
			}
			log.WithError(err).Error("auto-end failed")
			failed++
			continue
		}
		log.Info("run auto-ended")
		ended++
	}
	if failed > 0 {
		return ended, fmt.Errorf("%d of %d due runs failed to end", failed, len(runs))
	}
	return ended, nil
}

// Start schedules Sweep. Stop must be called to release the scheduler.
func (p *Poller) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := p.cron.AddFunc(schedule, func() {
		if _, err := p.Sweep(ctx); err != nil {
			p.log.WithError(err).Error("sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}
	p.cron.Start()
	p.log.WithField("schedule", schedule).Info("poller started")
	return nil
}

func (p *Poller) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
	p.log.Info("poller stopped")
}
