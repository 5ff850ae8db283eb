package app

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"postflow/internal/adapter"
	"postflow/internal/config"
	"postflow/internal/orchestrator"
	"postflow/internal/scheduler"
	"postflow/internal/store"
	logx "postflow/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (store.Config, bool, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return store.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, false, err
	}
	return store.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, true, nil
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	postTimeout, err := config.ParseDurationField("orchestrator.post_timeout", cfg.Orchestrator.PostTimeout)
	if err != nil {
		return orchestrator.Config{}, err
	}
	if cfg.Orchestrator.Workers < 0 {
		return orchestrator.Config{}, fmt.Errorf("orchestrator.workers must be >= 0")
	}
	if cfg.Orchestrator.QueueSize < 0 {
		return orchestrator.Config{}, fmt.Errorf("orchestrator.queue_size must be >= 0")
	}
	if cfg.Orchestrator.HistorySize < 0 {
		return orchestrator.Config{}, fmt.Errorf("orchestrator.history_size must be >= 0")
	}
	return orchestrator.Config{
		Enabled:     cfg.Orchestrator.Enabled,
		Workers:     cfg.Orchestrator.Workers,
		QueueSize:   cfg.Orchestrator.QueueSize,
		PostTimeout: postTimeout,
		HistorySize: cfg.Orchestrator.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Scan:     cfg.Scheduler.Scan,
		Timezone: cfg.Scheduler.Timezone,
	}, nil
}

// validateDestinations checks that every configured destination names a known
// adapter and that its config block is syntactically valid JSON. Semantic
// checks happen in Configure at apply time.
func validateDestinations(cfg *config.Config, available map[string]adapter.Adapter) error {
	for id, dc := range cfg.Destinations {
		if _, ok := available[id]; !ok {
			return fmt.Errorf("destinations.%s: unknown destination", id)
		}
		if len(dc.Config) > 0 && !json.Valid(dc.Config) {
			return fmt.Errorf("destinations.%s: config is not valid JSON", id)
		}
	}
	return nil
}

// applyDestinations reconciles the registry against the config: enabled
// destinations are configured and registered, everything else is deregistered.
func applyDestinations(cfg *config.Config, available map[string]adapter.Adapter, reg *adapter.Registry, log logx.Logger) error {
	for id, a := range available {
		dc, present := cfg.Destinations[id]
		if !present || !dc.Enabled {
			reg.Deregister(id)
			continue
		}
		if c, ok := a.(adapter.Configurable); ok {
			if err := c.Configure(dc.Config); err != nil {
				return fmt.Errorf("destinations.%s: %w", id, err)
			}
		}
		if err := reg.Register(a); err != nil {
			return fmt.Errorf("destinations.%s: %w", id, err)
		}
		if !log.IsZero() {
			log.Debug("destination configured", logx.String("destination", id))
		}
	}
	return nil
}
