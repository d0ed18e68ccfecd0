// Package mqtt implements transport.Client over an MQTT broker.
package mqtt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	paho "github.com/eclipse/paho.mqtt.golang"

	"waterbender/internal/metrics"
	"waterbender/internal/transport"
	logx "waterbender/pkg/logx"
)

type Config struct {
	Broker         string // tcp://host:1883, ssl://host:8883, ws://...
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

type subscription struct {
	topics []string
	h      transport.Handler
}

// Client wraps a paho client. Subscriptions are replayed on every (re)connect.
type Client struct {
	cfg Config
	log logx.Logger
	c   paho.Client

	mu   sync.Mutex
	subs []subscription
	ctx  context.Context
	stop context.CancelFunc
}

var _ transport.Client = (*Client)(nil)

// Dial connects to the broker. It waits up to ConnectTimeout for the first
// connection; later drops are handled by paho's auto reconnect.
func Dial(ctx context.Context, cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "waterbender-" + strings.ReplaceAll(time.Now().Format("150405.000"), ".", "")
	}

	cl := &Client{cfg: cfg, log: log}
	cl.ctx, cl.stop = context.WithCancel(context.Background())

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetMaxReconnectInterval(time.Minute).
		SetOnConnectHandler(cl.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn("mqtt connection lost", logx.Err(err))
		})
	cl.c = paho.NewClient(opts)

	tok := cl.c.Connect()
	if err := wait(ctx, tok, cfg.ConnectTimeout); err != nil {
		cl.c.Disconnect(100)
		cl.stop()
		return nil, errors.Wrapf(err, "mqtt connect %s", cfg.Broker)
	}
	log.Info("mqtt connected", logx.String("broker", cfg.Broker), logx.String("client_id", cfg.ClientID))
	return cl, nil
}

func (cl *Client) onConnect(c paho.Client) {
	cl.mu.Lock()
	subs := append([]subscription(nil), cl.subs...)
	cl.mu.Unlock()
	for _, s := range subs {
		if err := cl.subscribe(c, s); err != nil {
			cl.log.Error("mqtt resubscribe failed", logx.Any("topics", s.topics), logx.Err(err))
		}
	}
}

func (cl *Client) subscribe(c paho.Client, s subscription) error {
	filters := make(map[string]byte, len(s.topics))
	for _, t := range s.topics {
		filters[t] = cl.cfg.QoS
	}
	tok := c.SubscribeMultiple(filters, func(_ paho.Client, m paho.Message) {
		metrics.TelemetryMessages.WithLabelValues(m.Topic()).Inc()
		s.h(cl.ctx, transport.Message{Topic: m.Topic(), Payload: m.Payload(), Received: time.Now()})
	})
	return wait(cl.ctx, tok, cl.cfg.ConnectTimeout)
}

func (cl *Client) Subscribe(ctx context.Context, topics []string, h transport.Handler) error {
	if len(topics) == 0 || h == nil {
		return nil
	}
	s := subscription{topics: append([]string(nil), topics...), h: h}
	cl.mu.Lock()
	cl.subs = append(cl.subs, s)
	cl.mu.Unlock()
	if !cl.c.IsConnectionOpen() {
		// onConnect will pick it up.
		return nil
	}
	if err := cl.subscribe(cl.c, s); err != nil {
		return errors.Wrap(err, "mqtt subscribe")
	}
	cl.log.Debug("mqtt subscribed", logx.Any("topics", topics))
	return nil
}

func (cl *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	tok := cl.c.Publish(topic, cl.cfg.QoS, false, payload)
	if err := wait(ctx, tok, cl.cfg.ConnectTimeout); err != nil {
		return errors.Wrapf(err, "mqtt publish %s", topic)
	}
	return nil
}

func (cl *Client) Connected() bool { return cl.c.IsConnectionOpen() }

func (cl *Client) Close() error {
	cl.stop()
	cl.c.Disconnect(250)
	return nil
}

var errTimeout = errors.New("timed out")

func wait(ctx context.Context, tok paho.Token, d time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return errTimeout
	}
}
