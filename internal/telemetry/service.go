// Package telemetry consumes controller traffic: it tracks device state,
// records pump transitions as history and relays messages to the UI feed and
// to the controller.
package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"waterbender/internal/device"
	"waterbender/internal/eventbus"
	"waterbender/internal/schedule"
	"waterbender/internal/transport"
	"waterbender/internal/weather"
	logx "waterbender/pkg/logx"
)

// DefaultOnlineWindow is how recent the last telemetry must be for the device
// to count as online.
const DefaultOnlineWindow = 120 * time.Second

// HistoryStore receives pump transitions.
type HistoryStore interface {
	AppendHistory(ctx context.Context, h schedule.HistoryRecord) (int64, error)
}

// WeatherLookup returns current conditions for a location query.
type WeatherLookup interface {
	Current(ctx context.Context, q string) (weather.Current, error)
}

// PumpEvent is the payload of pump.state events.
type PumpEvent struct {
	From string           `json:"from"`
	To   string           `json:"to"`
	Mode string           `json:"mode"`
	Data device.Telemetry `json:"data"`
}

// State is the last known device state.
type State struct {
	Telemetry  device.Telemetry `json:"telemetry"`
	Pump       string           `json:"pump"`
	Mode       string           `json:"mode"`
	UpdatedAt  time.Time        `json:"updated_at,omitzero"`
	LastStatus string           `json:"last_status,omitempty"`
	StatusAt   time.Time        `json:"status_at,omitzero"`
}

// Online reports whether telemetry arrived within window of now.
func (s State) Online(now time.Time, window time.Duration) bool {
	if window <= 0 {
		window = DefaultOnlineWindow
	}
	return !s.UpdatedAt.IsZero() && now.Sub(s.UpdatedAt) < window
}

type Options struct {
	Topics          device.Topics
	DefaultLocation string
	WeatherTimeout  time.Duration
}

type Service struct {
	log     logx.Logger
	pub     transport.Publisher
	store   HistoryStore
	weather WeatherLookup
	bus     eventbus.Bus
	opt     Options
	now     func() time.Time

	mu       sync.Mutex
	lastPump string
	state    State
}

// New builds the service. store and wx may be nil; history and weather
// enrichment are then skipped.
func New(opt Options, pub transport.Publisher, store HistoryStore, wx WeatherLookup, bus eventbus.Bus, log logx.Logger) *Service {
	if opt.Topics == (device.Topics{}) {
		opt.Topics = device.TopicsFor("")
	}
	if opt.DefaultLocation == "" {
		opt.DefaultLocation = weather.DefaultLocation
	}
	if opt.WeatherTimeout <= 0 {
		opt.WeatherTimeout = 5 * time.Second
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, pub: pub, store: store, weather: wx, bus: bus, opt: opt, now: time.Now}
}

// Attach subscribes the service to every inbound topic.
func (s *Service) Attach(ctx context.Context, sub transport.Subscriber) error {
	return sub.Subscribe(ctx, s.opt.Topics.Subscriptions(), s.Handle)
}

// Handle dispatches one inbound message.
func (s *Service) Handle(ctx context.Context, msg transport.Message) {
	switch msg.Topic {
	case s.opt.Topics.Data:
		s.handleData(ctx, msg.Payload)
	case s.opt.Topics.Commands:
		s.relay(ctx, s.opt.Topics.Control, msg.Payload)
	case s.opt.Topics.Status:
		s.handleStatus(ctx, msg.Payload)
	default:
		s.log.Debug("telemetry: ignored topic", logx.String("topic", msg.Topic))
	}
}

func (s *Service) handleData(ctx context.Context, payload []byte) {
	t, err := device.ParseTelemetry(payload)
	if err != nil {
		s.log.Warn("invalid telemetry", logx.Err(err))
		return
	}
	pump := device.NormalizePump(t.Pump)
	mode := device.NormalizeMode(t.Mode)
	now := s.now()

	s.mu.Lock()
	prev := s.lastPump
	changed := pump != prev
	s.lastPump = pump
	s.state.Telemetry = t
	s.state.Pump = pump
	s.state.Mode = mode
	s.state.UpdatedAt = now
	s.mu.Unlock()

	if changed {
		s.recordTransition(ctx, prev, pump, mode, t, now)
	}
	s.relay(ctx, s.opt.Topics.Logs, payload)
}

func (s *Service) recordTransition(ctx context.Context, from, to, mode string, t device.Telemetry, at time.Time) {
	s.bus.Publish(eventbus.Event{Type: eventbus.PumpState, Time: at, Data: PumpEvent{From: from, To: to, Mode: mode, Data: t}})
	if s.store == nil {
		return
	}

	h := schedule.HistoryRecord{Status: to, Mode: mode, Soil: t.Soil, Rain: t.Rain, RecordedAt: at}
	if s.weather != nil {
		q := t.PublicIP
		if q == "" {
			q = s.opt.DefaultLocation
		}
		wctx, cancel := context.WithTimeout(ctx, s.opt.WeatherTimeout)
		cur, err := s.weather.Current(wctx, q)
		cancel()
		if err != nil {
			s.log.Warn("weather lookup failed, history saved without weather", logx.String("q", q), logx.Err(err))
		} else {
			h.Temperature = &cur.Temperature
			h.Humidity = &cur.Humidity
			h.WindSpeed = &cur.WindKph
			h.WeatherCondition = cur.Condition
			h.Location = cur.Location
		}
	}

	if _, err := s.store.AppendHistory(ctx, h); err != nil {
		s.log.Error("history append failed", logx.String("status", to), logx.Err(err))
		return
	}
	loc := h.Location
	if loc == "" {
		loc = "unknown"
	}
	s.log.Info("pump transition logged", logx.String("from", from), logx.String("to", to), logx.String("mode", mode), logx.String("location", loc))
}

func (s *Service) handleStatus(ctx context.Context, payload []byte) {
	now := s.now()
	s.mu.Lock()
	s.state.LastStatus = string(payload)
	s.state.StatusAt = now
	s.mu.Unlock()

	b, err := json.Marshal(device.StatusEnvelope{Status: string(payload), TS: now.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return
	}
	s.relay(ctx, s.opt.Topics.Logs, b)
}

func (s *Service) relay(ctx context.Context, topic string, payload []byte) {
	if err := s.pub.Publish(ctx, topic, payload); err != nil {
		s.log.Warn("relay failed", logx.String("topic", topic), logx.Err(err))
	}
}

// State returns the last known device state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
