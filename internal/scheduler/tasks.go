package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"waterbender/internal/schedule"
)

// describer is implemented by every task the engine registers.
type describer interface {
	describe() EntryInfo
}

// timerTask is a pending one-shot trigger.
type timerTask struct {
	id   int64
	at   time.Time
	once sync.Once
	t    *time.Timer
}

func (t *timerTask) Cancel() {
	t.once.Do(func() { t.t.Stop() })
}

func (t *timerTask) describe() EntryInfo {
	return EntryInfo{ID: t.id, Kind: schedule.TypeOnce, Next: t.at}
}

// cronTask is a repeating trigger owned by one cron instance.
type cronTask struct {
	id      int64
	kind    schedule.Type
	pattern string
	c       *cron.Cron
	entry   cron.EntryID
}

func (t *cronTask) Cancel() { t.c.Remove(t.entry) }

func (t *cronTask) describe() EntryInfo {
	info := EntryInfo{ID: t.id, Kind: t.kind, Pattern: t.pattern}
	if e := t.c.Entry(t.entry); e.Valid() {
		info.Next = e.Next
	}
	return info
}
