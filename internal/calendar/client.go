// Package calendar fetches scheduled economic releases for the news
// blackout filter.
package calendar

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Importance levels as used by the calendar provider.
const (
	ImportanceLow    = 1
	ImportanceMedium = 2
	ImportanceHigh   = 3
)

const timeLayout = "2006-01-02 15:04:05"

var importanceNames = map[int]string{
	ImportanceLow:    "low",
	ImportanceMedium: "medium",
	ImportanceHigh:   "high",
}

// Client queries a tradingeconomics-style news endpoint:
// GET {base}/news/country/{country}?importance=high&c={key}&f=json
// returning {"events":[{"time":"2006-01-02 15:04:05","title":"..."}]}.
type Client struct {
	logger    *zap.Logger
	http      *fasthttp.Client
	baseURL   string
	apiKey    string
	countries []string
	timeout   time.Duration
	cache     Cache
	ttl       time.Duration
}

// NewClient creates a client. cache may be nil to disable caching.
func NewClient(logger *zap.Logger, cfg types.CalendarConfig, cache Cache) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		logger:    logger.Named("calendar"),
		http:      &fasthttp.Client{Name: "fx-trader"},
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		countries: cfg.Countries,
		timeout:   timeout,
		cache:     cache,
		ttl:       cfg.CacheTTL,
	}
}

// Upcoming lists the releases the provider reports for one country at the
// given importance.
func (c *Client) Upcoming(ctx context.Context, country string, importance int) ([]types.EconomicEvent, error) {
	level, ok := importanceNames[importance]
	if !ok {
		return nil, types.NewValidationError(fmt.Sprintf("unknown importance %d", importance))
	}

	key := "calendar:" + country + ":" + level
	if body, hit := c.cached(ctx, key); hit {
		return ParseEvents(body, country, importance)
	}

	body, err := c.fetch(ctx, country, level)
	if err != nil {
		return nil, err
	}
	events, err := ParseEvents(body, country, importance)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		if err := c.cache.SetBytes(ctx, key, body, c.ttl); err != nil {
			c.logger.Warn("Failed to cache calendar response", zap.String("key", key), zap.Error(err))
		}
	}
	return events, nil
}

// Events returns high-impact releases for every configured country inside
// [from, to], sorted by time. A country that fails is skipped; the call
// fails only when every country does.
func (c *Client) Events(ctx context.Context, from, to time.Time) ([]types.EconomicEvent, error) {
	var (
		out     []types.EconomicEvent
		lastErr error
		failed  int
	)
	for _, country := range c.countries {
		events, err := c.Upcoming(ctx, country, ImportanceHigh)
		if err != nil {
			c.logger.Warn("Calendar fetch failed", zap.String("country", country), zap.Error(err))
			lastErr = err
			failed++
			continue
		}
		for _, ev := range events {
			if !ev.Time.Before(from) && !ev.Time.After(to) {
				out = append(out, ev)
			}
		}
	}
	if failed > 0 && failed == len(c.countries) {
		return nil, lastErr
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (c *Client) cached(ctx context.Context, key string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	body, ok, err := c.cache.GetBytes(ctx, key)
	if err != nil {
		c.logger.Warn("Calendar cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return body, ok
}

func (c *Client) fetch(ctx context.Context, country, level string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/news/country/" + url.PathEscape(country))
	req.Header.SetMethod(fasthttp.MethodGet)
	args := req.URI().QueryArgs()
	args.Set("importance", level)
	args.Set("c", c.apiKey)
	args.Set("f", "json")

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, types.NewTransientError("calendar request", err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		err := fmt.Errorf("status %d", code)
		if code >= 500 || code == fasthttp.StatusTooManyRequests {
			return nil, types.NewTransientError("calendar request", err)
		}
		return nil, types.NewValidationError(fmt.Sprintf("calendar request: %v", err))
	}

	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())
	return body, nil
}

// ParseEvents decodes a calendar payload. Entries without a parseable time
// are skipped. An entry's own importance, when present, overrides the
// requested one.
func ParseEvents(body []byte, country string, importance int) ([]types.EconomicEvent, error) {
	list := gjson.GetBytes(body, "events")
	if !list.IsArray() {
		return nil, types.NewValidationError("unexpected calendar response format")
	}

	var out []types.EconomicEvent
	list.ForEach(func(_, v gjson.Result) bool {
		at, err := time.ParseInLocation(timeLayout, v.Get("time").String(), time.UTC)
		if err != nil {
			return true
		}
		ev := types.EconomicEvent{
			Time:       at,
			Country:    country,
			Event:      v.Get("title").String(),
			Importance: importance,
		}
		if imp := v.Get("importance"); imp.Exists() {
			ev.Importance = parseImportance(imp)
		}
		out = append(out, ev)
		return true
	})
	return out, nil
}

func parseImportance(v gjson.Result) int {
	if v.Type == gjson.Number {
		return int(v.Int())
	}
	for level, name := range importanceNames {
		if name == v.String() {
			return level
		}
	}
	n, _ := strconv.Atoi(v.String())
	return n
}
