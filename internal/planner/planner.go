// Package planner asks a language model for a day of irrigation sessions,
// based on the hourly forecast and the current sensor readings, and stores
// the proposals as one-off schedules.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"waterbender/internal/clock"
	"waterbender/internal/schedule"
	"waterbender/internal/weather"
	logx "waterbender/pkg/logx"
)

const (
	MsgNoIrrigation = "No irrigation needed."
	MsgAllPast      = "All times were past."
)

const reloadTimeout = 30 * time.Second

type Forecaster interface {
	Forecast(ctx context.Context, q string) (weather.Forecast, error)
}

type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type Inserter interface {
	InsertBatch(ctx context.Context, rows []schedule.Schedule) ([]int64, error)
}

// Scheduler is the part of the engine the planner needs.
type Scheduler interface {
	Reload(ctx context.Context) (int, error)
	Location() *time.Location
}

// Request carries the sensor readings the plan is based on.
type Request struct {
	Soil     float64 `json:"soil"`
	Rain     float64 `json:"rain"`
	Location string  `json:"location,omitempty"`
}

// Proposal is one session suggested by the model.
type Proposal struct {
	Datetime     string   `json:"datetime"`
	Duration     int      `json:"duration"`
	Type         string   `json:"type"`
	KeepAfterRun flexBool `json:"keep_after_run"`
}

// Result is the outcome of one planning pass. Generated is zero when nothing
// was stored; Message then says why.
type Result struct {
	BatchID    string     `json:"batch_id"`
	Message    string     `json:"message,omitempty"`
	Generated  int        `json:"generated"`
	IDs        []int64    `json:"ids,omitempty"`
	Schedules  []Proposal `json:"schedules,omitempty"`
	ActiveJobs int        `json:"active_jobs,omitempty"`
}

type Planner struct {
	wx       Forecaster
	llm      Completer
	store    Inserter
	sched    Scheduler
	log      logx.Logger
	now      func() time.Time
	defaultQ string
}

func New(wx Forecaster, llm Completer, store Inserter, sched Scheduler, defaultLocation string, log logx.Logger) *Planner {
	if defaultLocation == "" {
		defaultLocation = weather.DefaultLocation
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Planner{wx: wx, llm: llm, store: store, sched: sched, log: log, now: time.Now, defaultQ: defaultLocation}
}

// Plan runs forecast, prompt, extraction and insertion. Rows are inserted in
// one transaction and the scheduler is reloaded when at least one was stored.
func (p *Planner) Plan(ctx context.Context, req Request) (Result, error) {
	res := Result{BatchID: uuid.NewString()}
	log := p.log.With(logx.String("batch", res.BatchID))

	q := strings.TrimSpace(req.Location)
	if q == "" {
		q = p.defaultQ
	}
	fc, err := p.wx.Forecast(ctx, q)
	if err != nil {
		return res, errors.Wrap(err, "forecast")
	}
	fcLoc, err := time.LoadLocation(fc.Timezone)
	if err != nil {
		log.Warn("forecast timezone unknown, using scheduler zone", logx.String("tz", fc.Timezone))
		fcLoc = p.sched.Location()
	}
	now := p.now().In(fcLoc)

	reply, err := p.llm.Complete(ctx, buildPrompt(req, fc, now))
	if err != nil {
		return res, errors.Wrap(err, "generate plan")
	}
	proposals, err := parseProposals(reply)
	if err != nil {
		log.Warn("unusable plan reply", logx.String("reply", truncate(reply, 500)), logx.Err(err))
		return res, err
	}
	res.Schedules = proposals
	if len(proposals) == 0 {
		res.Message = MsgNoIrrigation
		log.Info("planner: no irrigation needed", logx.String("location", fc.Location))
		return res, nil
	}

	engineLoc := p.sched.Location()
	rows := make([]schedule.Schedule, 0, len(proposals))
	for _, pr := range proposals {
		at, err := clock.ToInstant(pr.Datetime, fcLoc)
		if err != nil {
			log.Warn("proposal skipped", logx.String("datetime", pr.Datetime), logx.Err(err))
			continue
		}
		if at.Before(now) {
			continue
		}
		if pr.Duration <= 0 {
			log.Warn("proposal skipped", logx.String("datetime", pr.Datetime), logx.Int("duration", pr.Duration))
			continue
		}
		rows = append(rows, schedule.Schedule{
			Type:         schedule.TypeOnce,
			Datetime:     clock.FormatDateTime(at, engineLoc),
			Duration:     pr.Duration,
			KeepAfterRun: bool(pr.KeepAfterRun),
			Status:       schedule.StatusActive,
		})
	}
	if len(rows) == 0 {
		res.Message = MsgAllPast
		log.Info("planner: all proposals in the past", logx.Int("proposed", len(proposals)))
		return res, nil
	}

	ids, err := p.store.InsertBatch(ctx, rows)
	if err != nil {
		return res, errors.Wrap(err, "store plan")
	}
	res.IDs = ids
	res.Generated = len(ids)

	// The rows are committed; the reload must not die with the caller.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reloadTimeout)
	n, err := p.sched.Reload(rctx)
	cancel()
	if err != nil {
		log.Error("reload after plan failed", logx.Err(err))
	}
	res.ActiveJobs = n
	log.Info("planner: schedules generated",
		logx.String("location", fc.Location),
		logx.Int("generated", res.Generated),
		logx.Int("proposed", len(proposals)))
	return res, nil
}

// extractJSON returns the span from the first '{' to the last '}'.
func extractJSON(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func parseProposals(reply string) ([]Proposal, error) {
	raw, ok := extractJSON(reply)
	if !ok {
		return nil, errors.New("no JSON object in model reply")
	}
	var doc struct {
		Schedules []Proposal `json:"schedules"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, errors.Wrap(err, "decode model reply")
	}
	return doc.Schedules, nil
}

// flexBool accepts true/false, 0/1 and their string forms.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	s := strings.Trim(string(data), `"`)
	switch strings.ToLower(s) {
	case "", "null", "false", "0":
		*b = false
		return nil
	case "true", "1":
		*b = true
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*b = f != 0
		return nil
	}
	return errors.Newf("keep_after_run: unsupported value %s", data)
}
