package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waterbender/internal/transport"
	logx "waterbender/pkg/logx"
)

func TestDialRequiresBroker(t *testing.T) {
	t.Parallel()
	_, err := Dial(context.Background(), Config{}, logx.Nop())
	require.Error(t, err)
}

func TestDialUnreachableBrokerTimesOut(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, Config{Broker: "tcp://127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond}, logx.Nop())
	require.Error(t, err)
}

type doneToken struct{ done chan struct{} }

func newDoneToken() doneToken {
	ch := make(chan struct{})
	close(ch)
	return doneToken{done: ch}
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{}          { return t.done }
func (t doneToken) Error() error                   { return nil }

// fakePaho records SubscribeMultiple calls; everything else panics.
type fakePaho struct {
	paho.Client

	mu      sync.Mutex
	open    bool
	filters []map[string]byte
	cb      paho.MessageHandler
}

func (f *fakePaho) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakePaho) SubscribeMultiple(filters map[string]byte, cb paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filters)
	f.cb = cb
	return newDoneToken()
}

func (f *fakePaho) calls() []map[string]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]byte(nil), f.filters...)
}

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func newTestClient(t *testing.T, fc *fakePaho) *Client {
	t.Helper()
	cl := &Client{cfg: Config{QoS: 1, ConnectTimeout: time.Second}, log: logx.Nop(), c: fc}
	cl.ctx, cl.stop = context.WithCancel(context.Background())
	t.Cleanup(cl.stop)
	return cl
}

func TestSubscriptionsReplayOnEveryConnect(t *testing.T) {
	t.Parallel()
	fc := &fakePaho{}
	cl := newTestClient(t, fc)

	var got []transport.Message
	require.NoError(t, cl.Subscribe(context.Background(), []string{"irrigation/data"}, func(_ context.Context, m transport.Message) {
		got = append(got, m)
	}))
	assert.Empty(t, fc.calls(), "no subscribe while disconnected")

	cl.onConnect(fc)
	cl.onConnect(fc)
	calls := fc.calls()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, map[string]byte{"irrigation/data": 1}, c)
	}

	fc.cb(fc, fakeMessage{topic: "irrigation/data", payload: []byte(`{"soil":40}`)})
	require.Len(t, got, 1)
	assert.Equal(t, "irrigation/data", got[0].Topic)
	assert.Equal(t, `{"soil":40}`, string(got[0].Payload))
}

func TestSubscribeWhileConnectedSubscribesNow(t *testing.T) {
	t.Parallel()
	fc := &fakePaho{open: true}
	cl := newTestClient(t, fc)

	require.NoError(t, cl.Subscribe(context.Background(), []string{"a", "b"}, func(context.Context, transport.Message) {}))
	require.Len(t, fc.calls(), 1)
	assert.Equal(t, map[string]byte{"a": 1, "b": 1}, fc.calls()[0])

	// A reconnect replays it once more.
	cl.onConnect(fc)
	assert.Len(t, fc.calls(), 2)
}
