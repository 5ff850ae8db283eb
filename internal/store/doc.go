package store

// Package store persists submissions and their per-part post statuses.
//
// It currently supports:
//   - A dependency-free file backend (JSON snapshot, atomic rename)
//   - SQLite (optional build tag)
//
// Derived flags (isQueued/isPosting) are computed from orchestrator state at
// read time and are never persisted here.
