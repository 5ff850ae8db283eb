package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Scheduler    SchedulerConfig    `json:"scheduler"`

	// Destinations configures adapter instances, keyed by destination id.
	Destinations map[string]DestinationConfigRaw `json:"destinations"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./postflow_store.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// OrchestratorConfig controls the post dispatch engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 3
//   - queue_size: 64
//   - post_timeout: "0s" (disabled)
//   - history_size: 100
type OrchestratorConfig struct {
	Enabled   bool `json:"enabled"`
	Workers   int  `json:"workers,omitempty"`
	QueueSize int  `json:"queue_size,omitempty"`

	// PostTimeout caps a single adapter post call.
	// Use "0s" to disable.
	PostTimeout string `json:"post_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// SchedulerConfig controls the scan (trigger) loop.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Scan is a cron spec or "@every <duration>"; default "@every 60s".
	Scan string `json:"scan,omitempty"`

	// Trigger timezone (IANA name).
	Timezone string `json:"timezone,omitempty"`
}

type DestinationConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in destination blocks are
// caught at reload time rather than silently ignored.
func (d *DestinationConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*d = DestinationConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
