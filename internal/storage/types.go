package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"waterbender/internal/schedule"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("schedule not found")
)

// UnavailableError wraps a failed store operation.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err came from a failed store operation.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Err: err}
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable via DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means 10
}

// ListOptions filters List. Zero Limit means 100.
type ListOptions struct {
	Status schedule.Status
	Limit  int
	Offset int
}

// Store is the persistence API used by the scheduler engine and its callers.
type Store interface {
	// ListActive returns every row with status active, ordered by id.
	ListActive(ctx context.Context) ([]schedule.Schedule, error)
	// List returns rows newest first.
	List(ctx context.Context, opt ListOptions) ([]schedule.Schedule, error)
	Get(ctx context.Context, id int64) (schedule.Schedule, error)
	Insert(ctx context.Context, s schedule.Schedule) (int64, error)
	// InsertBatch inserts all rows in one transaction.
	InsertBatch(ctx context.Context, rows []schedule.Schedule) ([]int64, error)
	DeleteByID(ctx context.Context, id int64) error
	// DeleteByIDs deletes the given rows and returns how many existed.
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
	SetStatus(ctx context.Context, id int64, status schedule.Status) error

	AppendHistory(ctx context.Context, h schedule.HistoryRecord) (int64, error)
	// ListHistory returns the newest records first.
	ListHistory(ctx context.Context, limit int) ([]schedule.HistoryRecord, error)

	Ping(ctx context.Context) error
	Close() error
}
