package config

import (
	"fmt"
	"time"

	"git.home.luguber.info/inful/buildmaster/internal/errors"
)

// ValidateConfig validates the complete configuration structure.
func ValidateConfig(cfg *Config) error {
	validator := newConfigurationValidator(cfg)
	return validator.validate()
}

// ValidateCancellerFilters validates the canceller filter list in isolation.
// Reconfiguration uses this before any new configuration takes effect.
func ValidateCancellerFilters(filters []CancellerFilter) error {
	for i, f := range filters {
		if len(f.Builders) == 0 {
			return errors.FilterShapeInvalid(i, f, "filter must name at least one builder")
		}
		for _, name := range f.Builders {
			if name == "" {
				return errors.FilterShapeInvalid(i, f, "builder name cannot be empty")
			}
		}
	}
	return nil
}

// configurationValidator coordinates validation across all configuration domains.
type configurationValidator struct {
	config *Config
}

func newConfigurationValidator(config *Config) *configurationValidator {
	return &configurationValidator{config: config}
}

// validate performs configuration validation using domain-specific methods.
func (cv *configurationValidator) validate() error {
	if err := cv.validateBus(); err != nil {
		return err
	}
	if err := cv.validateDatabase(); err != nil {
		return err
	}
	if err := cv.validateCanceller(); err != nil {
		return err
	}
	if err := cv.validateChangeSources(); err != nil {
		return err
	}
	return cv.validateDaemon()
}

func (cv *configurationValidator) validateBus() error {
	if cv.config.Bus.URL == "" {
		return errors.ConfigRequired("bus.url")
	}
	return nil
}

func (cv *configurationValidator) validateDatabase() error {
	if cv.config.Database.Path == "" {
		return errors.ConfigRequired("database.path")
	}
	return nil
}

func (cv *configurationValidator) validateCanceller() error {
	return ValidateCancellerFilters(cv.config.Canceller.Filters)
}

func (cv *configurationValidator) validateChangeSources() error {
	names := make(map[string]bool)
	for i, cs := range cv.config.ChangeSources {
		if cs.Name == "" {
			return errors.ValidationFailed(fmt.Sprintf("change_sources[%d].name", i), "name cannot be empty")
		}
		if names[cs.Name] {
			return errors.ValidationFailed(fmt.Sprintf("change_sources[%d].name", i), "duplicate change source name")
		}
		names[cs.Name] = true
		if cs.URL == "" {
			return errors.ValidationFailed(fmt.Sprintf("change_sources[%d].url", i), "url cannot be empty")
		}
		if cs.Interval != "" {
			if _, err := time.ParseDuration(cs.Interval); err != nil {
				return errors.ValidationFailed(fmt.Sprintf("change_sources[%d].interval", i), err.Error())
			}
		}
	}
	return nil
}

func (cv *configurationValidator) validateDaemon() error {
	if cv.config.Daemon.StatsInterval != "" {
		if _, err := time.ParseDuration(cv.config.Daemon.StatsInterval); err != nil {
			return errors.ValidationFailed("daemon.stats_interval", err.Error())
		}
	}
	return nil
}

// PollInterval returns the parsed poll interval for a change source,
// defaulting to one minute. Validation guarantees parseability.
func (cs ChangeSourceConfig) PollInterval() time.Duration {
	if cs.Interval == "" {
		return time.Minute
	}
	d, err := time.ParseDuration(cs.Interval)
	if err != nil {
		return time.Minute
	}
	return d
}

// StatsLogInterval returns the parsed stats interval, defaulting to 5 minutes.
func (dc DaemonConfig) StatsLogInterval() time.Duration {
	if dc.StatsInterval == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(dc.StatsInterval)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}
