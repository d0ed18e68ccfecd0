package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "waterbender/pkg/logx"
)

func TestCurrent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/current.json", r.URL.Path)
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		assert.Equal(t, "Bandung", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`{"location":{"name":"Bandung","country":"Indonesia"},"current":{"temp_c":24.5,"humidity":81,"wind_kph":7.2,"condition":{"text":"Light rain"}}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL, RatePerSec: 100}, logx.Nop())
	cur, err := c.Current(context.Background(), "Bandung")
	require.NoError(t, err)
	assert.Equal(t, "Bandung", cur.Location)
	assert.InDelta(t, 24.5, cur.Temperature, 0.001)
	assert.Equal(t, "Light rain", cur.Condition)
}

func TestForecastDefaultsLocation(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/forecast.json", r.URL.Path)
		assert.Equal(t, "Jakarta", r.URL.Query().Get("q"))
		assert.Equal(t, "1", r.URL.Query().Get("days"))
		_, _ = w.Write([]byte(`{"location":{"name":"Jakarta","country":"Indonesia","tz_id":"Asia/Jakarta","localtime":"2025-03-10 08:00"},
			"forecast":{"forecastday":[{"hour":[{"time":"2025-03-10 09:00","temp_c":29,"humidity":70,"chance_of_rain":10}]}]}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL, RatePerSec: 100}, logx.Nop())
	fc, err := c.Forecast(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "Asia/Jakarta", fc.Timezone)
	require.Len(t, fc.Hours, 1)
	assert.Equal(t, "2025-03-10 09:00", fc.Hours[0].Time)
}

func TestAPIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":1006,"message":"No matching location found."}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL, RatePerSec: 100}, logx.Nop())
	_, err := c.Current(context.Background(), "Atlantis")
	require.ErrorContains(t, err, "No matching location found.")
}

func TestNoKey(t *testing.T) {
	t.Parallel()
	c := New(Config{}, logx.Nop())
	assert.False(t, c.Enabled())
	_, err := c.Current(context.Background(), "")
	require.ErrorIs(t, err, ErrNoAPIKey)
}
