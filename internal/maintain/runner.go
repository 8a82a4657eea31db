package maintain

import (
	"errors"
	"strings"
	"time"

	robcron "github.com/robfig/cron/v3"

	"pairterm/internal/runlog"
)

// Runner fires background housekeeping on a cron schedule: presence
// TTL refresh for active background agents and flushing evicted
// messages into the history buffer.
type Runner struct {
	cron *robcron.Cron
	log  *runlog.Logger
}

// scheduleParser accepts standard 5-field specs plus @-descriptors,
// matching how jobs are written in the config file.
var scheduleParser = robcron.NewParser(
	robcron.Minute | robcron.Hour | robcron.Dom | robcron.Month | robcron.Dow | robcron.Descriptor,
)

// ValidateSchedule rejects a malformed cron spec before the runner is
// built, so config errors surface at startup rather than at first fire.
func ValidateSchedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return errors.New("schedule is empty")
	}
	_, err := scheduleParser.Parse(spec)
	return err
}

// NextFire reports when the spec would next fire after now.
func NextFire(spec string, now time.Time) (time.Time, error) {
	sched, err := scheduleParser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}

// Start builds and starts a runner with the given jobs. An empty spec
// disables maintenance and returns a nil runner, which is safe to Stop.
func Start(spec string, log *runlog.Logger, jobs ...func()) (*Runner, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	if err := ValidateSchedule(spec); err != nil {
		return nil, err
	}

	c := robcron.New(robcron.WithParser(scheduleParser))
	for _, job := range jobs {
		if job == nil {
			continue
		}
		if _, err := c.AddFunc(spec, job); err != nil {
			return nil, err
		}
	}
	c.Start()
	log.Logf(runlog.KindInfo, "maintenance runner started: %s (%d jobs)", spec, len(jobs))
	return &Runner{cron: c, log: log}, nil
}

func (r *Runner) Stop() {
	if r == nil || r.cron == nil {
		return
	}
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.log.Logf(runlog.KindInfo, "maintenance runner stopped")
}
