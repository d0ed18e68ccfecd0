package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"waterbender/internal/registry"
	"waterbender/internal/schedule"
)

// OverlapPolicy decides what happens when a run fires while another is still
// watering.
type OverlapPolicy string

const (
	// OverlapAllow lets runs overlap freely (independent zones).
	OverlapAllow OverlapPolicy = "allow"
	// OverlapSerialize queues the new run until the current one finishes.
	OverlapSerialize OverlapPolicy = "serialize"
	// OverlapSkip drops the new run.
	OverlapSkip OverlapPolicy = "skip"
)

// ParseOverlapPolicy maps a config value to a policy. Empty means allow.
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch p := OverlapPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return OverlapAllow, nil
	case OverlapAllow, OverlapSerialize, OverlapSkip:
		return p, nil
	default:
		return "", fmt.Errorf("unknown overlap policy %q (want allow, serialize or skip)", s)
	}
}

type Config struct {
	Enabled  bool
	Timezone string // IANA zone; empty means Asia/Jakarta
	Overlap  OverlapPolicy
	// CommandTopic receives WATER_ON / WATER_OFF.
	CommandTopic string
	// ShutdownOffTimeout bounds the WATER_OFF publish of a run cut short by Stop.
	ShutdownOffTimeout time.Duration
}

// Store is the part of the schedule store the engine needs.
type Store interface {
	ListActive(ctx context.Context) ([]schedule.Schedule, error)
	DeleteByID(ctx context.Context, id int64) error
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
}

// JobRegistry holds the live handle for each schedule id.
type JobRegistry interface {
	Clear() int
	Set(id int64, t registry.Task)
	Size() int
	Entries() []registry.Entry
}

// PublishError reports a failed command publish during a run.
type PublishError struct {
	Command string
	Topic   string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s to %s: %v", e.Command, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// RunEvent is the payload of run.* events.
type RunEvent struct {
	RunID      string        `json:"run_id"`
	ScheduleID int64         `json:"schedule_id"`
	Type       schedule.Type `json:"type"`
	Duration   int           `json:"duration"`
	Result     string        `json:"result,omitempty"`
}

// ReloadEvent is the payload of schedules.reloaded.
type ReloadEvent struct {
	Active  int `json:"active"`
	Skipped int `json:"skipped"`
	Expired int `json:"expired"`
}

// EntryInfo describes one live trigger.
type EntryInfo struct {
	ID      int64         `json:"id"`
	Kind    schedule.Type `json:"kind"`
	Pattern string        `json:"pattern,omitempty"`
	Next    time.Time     `json:"next,omitzero"`
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	State       string        `json:"state"`
	Timezone    string        `json:"timezone"`
	Overlap     OverlapPolicy `json:"overlap"`
	ActiveJobs  int           `json:"active_jobs"`
	RunsActive  int64         `json:"runs_active"`
	LastReload  time.Time     `json:"last_reload,omitzero"`
	LastSkipped int           `json:"last_skipped"`
	Entries     []EntryInfo   `json:"entries"`
}
