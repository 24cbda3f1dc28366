package bootstrap

import (
	"context"
	"fmt"
	"sort"

	"github.com/artpar/billingd/app"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// newCron creates the in-process clock that drives the batch entry points.
// Jobs with an empty expression are not scheduled.
func newCron(schedules map[string]string, runner *app.CronService, logger zerolog.Logger) (*cron.Cron, error) {
	c := cron.New(
		cron.WithLogger(cronLogger{logger: logger}),
		cron.WithChain(cron.Recover(cronLogger{logger: logger})),
	)

	names := make([]string, 0, len(schedules))
	for name := range schedules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := schedules[name]
		if spec == "" {
			logger.Info().Str("job", name).Msg("cron job disabled")
			continue
		}
		job := name
		if _, err := c.AddFunc(spec, func() {
			result, err := runner.Run(context.Background(), job)
			if err != nil {
				logger.Error().Err(err).Str("job", job).Msg("cron job failed")
				return
			}
			logger.Debug().
				Str("job", job).
				Int("processed", result.Processed).
				Int("failed", result.Failed).
				Msg("cron job finished")
		}); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
		logger.Info().Str("job", name).Str("schedule", spec).Msg("scheduled cron job")
	}
	return c, nil
}
