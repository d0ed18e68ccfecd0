package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicsFor(t *testing.T) {
	t.Parallel()
	tp := TopicsFor("")
	assert.Equal(t, "irrigation/control", tp.Control)
	assert.Equal(t, []string{"irrigation/data", "irrigation/status", "irrigation/commands"}, tp.Subscriptions())

	tp = TopicsFor("/farm1/")
	assert.Equal(t, "farm1/logs", tp.Logs)
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"ON", PumpOn}, {"PUMP ON", PumpOn}, {"OFF", PumpOff}, {"", PumpOff}, {"on", PumpOff},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NormalizePump(c.in), c.in)
	}
	assert.Equal(t, ModeManual, NormalizeMode("MANUAL"))
	assert.Equal(t, ModeAuto, NormalizeMode("auto"))
	assert.Equal(t, ModeAuto, NormalizeMode(""))
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	c, err := ParseCommand(" water_on ")
	require.NoError(t, err)
	assert.Equal(t, WaterOn, c)

	_, err = ParseCommand("FLOOD")
	require.Error(t, err)
}

func TestParseTelemetry(t *testing.T) {
	t.Parallel()
	tel, err := ParseTelemetry([]byte(`{"soil":37.5,"rain":1,"pump":"ON","mode":"auto","public_ip":"1.2.3.4","rssi":-60}`))
	require.NoError(t, err)
	require.NotNil(t, tel.Soil)
	assert.InDelta(t, 37.5, *tel.Soil, 0.001)
	assert.Equal(t, "1.2.3.4", tel.PublicIP)

	_, err = ParseTelemetry([]byte(`not json`))
	require.Error(t, err)
	_, err = ParseTelemetry(nil)
	require.Error(t, err)
}
