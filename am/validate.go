package am

import (
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/chronos/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Pools: at least one primary worker, retries may be disabled with 0
	if c.Agent.Workers < 1 {
		return errors.Newf("agent.workers must be >= 1, got %d", c.Agent.Workers)
	}
	if c.Agent.RetryWorkers < 0 {
		return errors.Newf("agent.retry_workers must be >= 0, got %d", c.Agent.RetryWorkers)
	}
	if c.Agent.MaxRetries < 0 {
		return errors.Newf("agent.max_retries must be >= 0, got %d", c.Agent.MaxRetries)
	}
	if c.Agent.MaxRetries > 0 && c.Agent.RetryWorkers == 0 {
		return errors.WithHint(
			errors.New("agent.max_retries is set but agent.retry_workers is 0"),
			"failed runs would wait for a retry slot forever; set retry_workers >= 1 or max_retries = 0",
		)
	}

	if c.Agent.SchedulerInterval <= 0 {
		return errors.Newf("agent.scheduler_interval must be > 0, got %s", c.Agent.SchedulerInterval)
	}
	if c.Agent.ExecutorInterval <= 0 {
		return errors.Newf("agent.executor_interval must be > 0, got %s", c.Agent.ExecutorInterval)
	}
	if c.Agent.HistorySize < 1 {
		return errors.Newf("agent.history_size must be >= 1, got %d", c.Agent.HistorySize)
	}
	if c.Agent.StopTimeout < 0 {
		return errors.Newf("agent.stop_timeout must be >= 0, got %s", c.Agent.StopTimeout)
	}

	if strings.TrimSpace(c.Script.Shell) != "" {
		if _, err := shellquote.Split(c.Script.Shell); err != nil {
			return errors.Wrapf(err, "script.shell %q", c.Script.Shell)
		}
	}

	if c.Mail.Host != "" {
		if c.Mail.Port < 0 || c.Mail.Port > 65535 {
			return errors.Newf("mail.port must be 1-65535, got %d", c.Mail.Port)
		}
		if c.Mail.From == "" {
			return errors.New("mail.from cannot be empty when mail.host is set")
		}
	}

	seen := make(map[string]bool, len(c.Drivers))
	for i, d := range c.Drivers {
		if d.Name == "" || d.Driver == "" {
			return errors.Newf("drivers[%d] needs a name and a driver", i)
		}
		if seen[d.Name] {
			return errors.Newf("driver %q configured twice", d.Name)
		}
		seen[d.Name] = true
	}

	return nil
}
