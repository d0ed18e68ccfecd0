package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"waterbender/internal/device"
	"waterbender/internal/eventbus"
	"waterbender/internal/metrics"
	"waterbender/internal/schedule"
	"waterbender/internal/storage"
	logx "waterbender/pkg/logx"
)

// ErrSkipped is returned by Run when the overlap policy drops the run.
var ErrSkipped = errors.New("run skipped: another run is in progress")

// Run executes one irrigation run for s: WATER_ON, wait s.Duration minutes,
// WATER_OFF, then the conditional delete and reload for one-time schedules.
//
// Each phase is attempted once. A failed WATER_ON still leads to WATER_OFF.
// If ctx is canceled during the wait the run ends early, WATER_OFF is sent
// under a short detached timeout and the row is kept. The returned error joins
// every phase failure.
func (e *Engine) Run(ctx context.Context, s schedule.Schedule) error {
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()

	runID := uuid.NewString()
	log := e.log.With(
		logx.String("run_id", runID),
		logx.Int64("schedule_id", s.ID),
		logx.String("type", string(s.Type)),
	)
	ev := RunEvent{RunID: runID, ScheduleID: s.ID, Type: s.Type, Duration: s.Duration}

	release, ok, err := e.acquire(ctx, cfg.Overlap)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("run skipped, another run is watering")
		metrics.RunsTotal.WithLabelValues(string(s.Type), "skipped").Inc()
		ev.Result = "skipped"
		e.bus.Publish(eventbus.Event{Type: eventbus.RunSkipped, Data: ev})
		return ErrSkipped
	}
	defer release()

	e.inFlight.Add(1)
	metrics.RunsInFlight.Inc()
	defer func() {
		e.inFlight.Add(-1)
		metrics.RunsInFlight.Dec()
	}()

	log.Info("run started", logx.Int("duration_min", s.Duration))
	e.bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Data: ev})

	var errs error
	onFailed := false
	if err := e.publish(ctx, cfg.CommandTopic, device.WaterOn); err != nil {
		log.Error("water on failed, off will still be sent", logx.Err(err))
		errs = errors.CombineErrors(errs, err)
		onFailed = true
	}

	interrupted := false
	if err := e.sleep(ctx, s.RunFor()); err != nil {
		interrupted = true
		log.Warn("run interrupted, sending off early", logx.Err(err))
	}

	offCtx := ctx
	if interrupted {
		var cancel context.CancelFunc
		offCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownOffTimeout)
		defer cancel()
	}
	if err := e.publish(offCtx, cfg.CommandTopic, device.WaterOff); err != nil {
		log.Error("water off failed", logx.Err(err))
		errs = errors.CombineErrors(errs, err)
	}

	switch {
	case !s.DeleteAfterRun():
	case interrupted:
		log.Info("run interrupted, once schedule kept for expiry cleanup")
	default:
		if err := e.store.DeleteByID(ctx, s.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Error("delete after run failed", logx.Err(err))
			errs = errors.CombineErrors(errs, err)
		} else {
			log.Info("once schedule deleted after run")
		}
		if _, err := e.Reload(ctx); err != nil {
			log.Error("reload after run failed", logx.Err(err))
			errs = errors.CombineErrors(errs, err)
		}
	}

	result := "ok"
	switch {
	case interrupted:
		result = "interrupted"
	case onFailed:
		result = "on_failed"
	case errs != nil:
		result = "error"
	}
	metrics.RunsTotal.WithLabelValues(string(s.Type), result).Inc()
	ev.Result = result
	e.bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: ev})
	log.Info("run finished", logx.String("result", result))
	return errs
}

// acquire applies the overlap policy. ok is false when the run must be
// skipped.
func (e *Engine) acquire(ctx context.Context, p OverlapPolicy) (release func(), ok bool, err error) {
	switch p {
	case OverlapSerialize:
		select {
		case e.sem <- struct{}{}:
			return func() { <-e.sem }, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	case OverlapSkip:
		select {
		case e.sem <- struct{}{}:
			return func() { <-e.sem }, true, nil
		default:
			return nil, false, nil
		}
	default:
		return func() {}, true, nil
	}
}

func (e *Engine) publish(ctx context.Context, topic string, cmd device.Command) error {
	start := time.Now()
	if err := e.pub.Publish(ctx, topic, []byte(cmd)); err != nil {
		metrics.PublishFailures.WithLabelValues(string(cmd)).Inc()
		return &PublishError{Command: string(cmd), Topic: topic, Err: err}
	}
	e.log.Debug("command published", logx.String("command", string(cmd)), logx.String("topic", topic), logx.Duration("took", time.Since(start)))
	return nil
}
