package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postflow/internal/store"
	"postflow/internal/submission"
	logx "postflow/pkg/logx"
)

// Config controls the scheduler (trigger) service.
//
// Scan is a cron spec or "@every <duration>" parsed with robfig/cron; it sets
// the scan cadence, not individual submission times (those live on each
// submission's schedule).
type Config struct {
	Enabled  bool
	Scan     string // default "@every 60s"
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Queue is the orchestrator surface the scheduler promotes submissions into.
type Queue interface {
	Enqueue(sub *submission.Submission) error
	IsQueued(id string) bool
	IsPosting(id string) bool
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	store store.Store
	queue Queue

	parser cron.Parser
	sched  cron.Schedule
	loc    *time.Location

	stopCh chan struct{}
	done   chan struct{}

	// Last scan diagnostics.
	lastScanAt time.Time
	lastQueued int
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Enabled    bool
	Scan       string
	Timezone   string
	NextScanAt time.Time
	LastScanAt time.Time
	LastQueued int
}
