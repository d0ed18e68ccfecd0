// Package weather is a small weatherapi.com client used to enrich pump
// history and to feed the auto-scheduler.
package weather

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	logx "waterbender/pkg/logx"
)

const (
	DefaultBaseURL  = "https://api.weatherapi.com/v1"
	DefaultLocation = "Jakarta"
)

// ErrNoAPIKey is returned by every call when no key is configured.
var ErrNoAPIKey = errors.New("weather api key is not configured")

type Config struct {
	APIKey          string
	BaseURL         string
	DefaultLocation string
	RatePerSec      float64 // 0 means 2
	Timeout         time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.DefaultLocation) == "" {
		cfg.DefaultLocation = DefaultLocation
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		log:     log,
	}
}

func (c *Client) Enabled() bool { return c != nil && strings.TrimSpace(c.cfg.APIKey) != "" }

// DefaultLocation is the query used when a caller has none.
func (c *Client) DefaultLocation() string { return c.cfg.DefaultLocation }

// Current is the subset of current conditions stored with pump history.
type Current struct {
	Location    string  `json:"location"`
	Country     string  `json:"country,omitempty"`
	Temperature float64 `json:"temp_c"`
	Humidity    float64 `json:"humidity"`
	Condition   string  `json:"condition"`
	WindKph     float64 `json:"wind_kph"`
}

// Hour is one forecast hour. Time is local to the forecast location
// ("yyyy-MM-dd HH:mm").
type Hour struct {
	Time         string  `json:"time"`
	TempC        float64 `json:"temp_c"`
	Humidity     float64 `json:"humidity"`
	ChanceOfRain float64 `json:"chance_of_rain"`
}

// Forecast is today's hourly forecast for a location.
type Forecast struct {
	Location  string `json:"location"`
	Country   string `json:"country"`
	Timezone  string `json:"tz_id"`
	LocalTime string `json:"localtime"`
	Hours     []Hour `json:"hours"`
}

type apiLocation struct {
	Name      string `json:"name"`
	Country   string `json:"country"`
	TzID      string `json:"tz_id"`
	LocalTime string `json:"localtime"`
}

type apiCondition struct {
	Text string `json:"text"`
}

type apiCurrent struct {
	Location apiLocation `json:"location"`
	Current  struct {
		TempC     float64      `json:"temp_c"`
		Humidity  float64      `json:"humidity"`
		WindKph   float64      `json:"wind_kph"`
		Condition apiCondition `json:"condition"`
	} `json:"current"`
}

type apiForecast struct {
	Location apiLocation `json:"location"`
	Forecast *struct {
		ForecastDay []struct {
			Hour []Hour `json:"hour"`
		} `json:"forecastday"`
	} `json:"forecast"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Current returns current conditions for q (city, lat,long or IP). Empty q
// uses the default location.
func (c *Client) Current(ctx context.Context, q string) (Current, error) {
	var out apiCurrent
	if err := c.get(ctx, "/current.json", c.query(q, url.Values{"aqi": {"no"}}), &out); err != nil {
		return Current{}, err
	}
	return Current{
		Location:    out.Location.Name,
		Country:     out.Location.Country,
		Temperature: out.Current.TempC,
		Humidity:    out.Current.Humidity,
		Condition:   out.Current.Condition.Text,
		WindKph:     out.Current.WindKph,
	}, nil
}

// Forecast returns today's hourly forecast for q.
func (c *Client) Forecast(ctx context.Context, q string) (Forecast, error) {
	var out apiForecast
	v := url.Values{"days": {"1"}, "aqi": {"no"}, "alerts": {"no"}}
	if err := c.get(ctx, "/forecast.json", c.query(q, v), &out); err != nil {
		return Forecast{}, err
	}
	if out.Forecast == nil || len(out.Forecast.ForecastDay) == 0 {
		return Forecast{}, errors.New("weather: forecast missing from response")
	}
	return Forecast{
		Location:  out.Location.Name,
		Country:   out.Location.Country,
		Timezone:  out.Location.TzID,
		LocalTime: out.Location.LocalTime,
		Hours:     out.Forecast.ForecastDay[0].Hour,
	}, nil
}

func (c *Client) query(q string, v url.Values) url.Values {
	q = strings.TrimSpace(q)
	if q == "" {
		q = c.cfg.DefaultLocation
	}
	v.Set("key", c.cfg.APIKey)
	v.Set("q", q)
	return v
}

func (c *Client) get(ctx context.Context, path string, v url.Values, dst any) error {
	if !c.Enabled() {
		return ErrNoAPIKey
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+v.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "weather: build request")
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "weather: request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "weather: read response")
	}
	c.log.Debug("weather request", logx.String("path", path), logx.String("q", v.Get("q")), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Error.Message != "" {
			return errors.Newf("weather: %s (code %d)", ae.Error.Message, ae.Error.Code)
		}
		return errors.Newf("weather: http %s", strconv.Itoa(resp.StatusCode))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.Wrap(err, "weather: decode response")
	}
	return nil
}
