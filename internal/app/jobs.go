package app

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"

	"jobsched/internal/config"
	"jobsched/internal/task/httpjob"
	"jobsched/internal/task/job"
	"jobsched/internal/task/trigger"
	"jobsched/pkg/logx"
)

// registerJob adds a config-declared HTTP job. A pause survives restarts via
// the job store.
func (a *App) registerJob(ctx context.Context, jc config.JobConfig, paused bool) error {
	loc := a.sched.Location()
	triggers := make([]trigger.Trigger, 0, len(jc.Schedules))
	for _, raw := range jc.Schedules {
		ps, err := trigger.ParseSchedule(raw)
		if err != nil {
			return errors.Wrapf(err, "jobs.%s.schedules", jc.Code)
		}
		// interval jobs declared together in config should not all fire at once
		t, err := ps.Build(loc, trigger.WithStartupSpread())
		if err != nil {
			return errors.Wrapf(err, "jobs.%s.schedules", jc.Code)
		}
		triggers = append(triggers, t)
	}
	spec, err := jc.HTTPSpec()
	if err != nil {
		return err
	}
	timeout, err := jc.JobTimeout()
	if err != nil {
		return err
	}

	name := jc.Name
	if name == "" {
		name = jc.Code
	}
	opts := job.Options{
		Name:         name,
		Description:  jc.Description,
		Triggers:     triggers,
		Concurrent:   jc.Concurrent,
		MaxInstances: jc.MaxInstances,
		Timeout:      timeout,
		Paused:       jc.Paused || paused || a.storedPaused(ctx, jc.Code),
	}
	if sp, ok, err := jc.RetrySpec(); err != nil {
		return err
	} else if ok {
		if opts.Retry, err = sp.Build(); err != nil {
			return errors.Wrapf(err, "jobs.%s.retry", jc.Code)
		}
	}

	if _, err := a.sched.AddJob(jc.Code, httpjob.Func(spec, a.client), opts); err != nil {
		return err
	}
	a.jobs[jc.Code] = jc
	return nil
}

func (a *App) storedPaused(ctx context.Context, code string) bool {
	if a.store == nil {
		return false
	}
	sj, err := a.store.LookupJob(ctx, code)
	if err != nil {
		a.log.Warn("job store lookup failed", logx.String("job", code), logx.Err(err))
		return false
	}
	return sj != nil && sj.Paused
}

// syncJobs re-registers the given codes from cfg. Codes no longer declared
// are removed; runtime pause state is carried over.
func (a *App) syncJobs(ctx context.Context, cfg *config.Config, codes []string) {
	declared := make(map[string]config.JobConfig, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		declared[jc.Code] = jc
	}
	for _, code := range codes {
		paused := false
		if _, managed := a.jobs[code]; managed {
			if j, ok := a.sched.GetJob(code); ok {
				paused = j.Paused
			}
			a.sched.RemoveJob(code)
			delete(a.jobs, code)
		}
		jc, ok := declared[code]
		if !ok {
			a.log.Info("job removed via config", logx.String("job", code))
			continue
		}
		if err := a.registerJob(ctx, jc, paused); err != nil {
			a.log.Warn("job register failed", logx.String("job", code), logx.Err(err))
			continue
		}
		a.log.Info("job registered via config", logx.String("job", code))
	}
}

func (a *App) managedCodes() []string {
	out := make([]string, 0, len(a.jobs))
	for code := range a.jobs {
		out = append(out, code)
	}
	return out
}

func newHTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 8
	return &http.Client{Transport: tr}
}
