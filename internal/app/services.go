package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"jobkit/internal/commandtask"
	"jobkit/internal/config"
	"jobkit/pkg/jobkit"
	logx "jobkit/pkg/logx"
)

// commandServices keeps the configured command services in sync with the
// runner. Each service task reads its spec at run time, so command, dir,
// env and timeout changes apply from the next run.
type commandServices struct {
	runner jobkit.Runner
	log    logx.Logger

	mu    sync.Mutex
	specs map[string]*atomic.Pointer[commandtask.Spec]
}

func newCommandServices(runner jobkit.Runner, log logx.Logger) *commandServices {
	return &commandServices{
		runner: runner,
		log:    log.With(logx.String("comp", "services")),
		specs:  map[string]*atomic.Pointer[commandtask.Spec]{},
	}
}

func (c *commandServices) task(name string, holder *atomic.Pointer[commandtask.Spec]) jobkit.Task {
	return func(ctx context.Context) error {
		spec := holder.Load()
		if spec == nil {
			return fmt.Errorf("service %s: no command", name)
		}
		return commandtask.Task(*spec, c.log)(ctx)
	}
}

// apply creates or updates one service. startup allows RunOnStartup.
func (c *commandServices) apply(sc config.ServiceConfig, startup bool) error {
	spec := commandtask.FromConfig(sc)

	c.mu.Lock()
	holder, known := c.specs[sc.Name]
	if !known {
		holder = &atomic.Pointer[commandtask.Spec]{}
		c.specs[sc.Name] = holder
	}
	holder.Store(&spec)
	c.mu.Unlock()

	svc, err := c.runner.CreateScheduledService(sc.Name, sc.Spool, sc.Schedule, c.task(sc.Name, holder), nil)
	if err != nil {
		return err
	}
	if svc.SpoolName() != sc.Spool {
		c.log.Warn("service spool changed; restart required for changes to take effect",
			logx.String("service", sc.Name),
			logx.String("spool", svc.SpoolName()),
			logx.String("configured", sc.Spool),
		)
	}
	if err := svc.SetSchedule(sc.Schedule); err != nil {
		return fmt.Errorf("service %s: %w", sc.Name, err)
	}
	svc.SetPriority(sc.Priority)
	factor := sc.RetryFactor
	if factor <= 0 {
		factor = jobkit.DefaultRetryAfterErrorFactor
	}
	if err := svc.SetRetryAfterErrorFactor(factor); err != nil {
		return fmt.Errorf("service %s: %w", sc.Name, err)
	}
	if err := svc.SetEnabled(sc.IsEnabled()); err != nil {
		return fmt.Errorf("service %s: %w", sc.Name, err)
	}
	if startup && sc.RunOnStartup {
		svc.RunFirstOnStartup()
	}
	return nil
}

// remove disables a service dropped from the config. The runner keeps it
// registered, so re-adding it later reuses the same service.
func (c *commandServices) remove(name string) {
	if svc, ok := c.runner.Service(name); ok {
		svc.Disable()
		c.log.Info("service removed from config", logx.String("service", name))
	}
}

func (c *commandServices) applyAll(list []config.ServiceConfig, startup bool) error {
	var errs []error
	for _, sc := range list {
		if err := c.apply(sc, startup); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *commandServices) applyDiff(d config.ServiceDiff) error {
	for _, sc := range d.Removed {
		c.remove(sc.Name)
	}
	var errs []error
	for _, list := range [][]config.ServiceConfig{d.Added, d.Changed} {
		for _, sc := range list {
			if err := c.apply(sc, false); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
