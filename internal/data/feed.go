package data

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// maxKlinesPerRequest is the page size accepted by the kline endpoint.
const maxKlinesPerRequest = 1000

// Feed pulls candles from a kline REST endpoint. Rows are arrays of
// [openTime, open, high, low, close, volume, ...].
type Feed struct {
	logger   *zap.Logger
	client   *fasthttp.Client
	url      string
	interval string
	timeout  time.Duration
}

// NewFeed creates a kline feed for the configured endpoint and timeframe.
func NewFeed(logger *zap.Logger, cfg types.FeedConfig, interval string) *Feed {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Feed{
		logger:   logger.Named("feed"),
		client:   &fasthttp.Client{Name: "fx-trader"},
		url:      cfg.BaseURL + cfg.Path,
		interval: interval,
		timeout:  timeout,
	}
}

// Recent returns the latest n closed candles.
func (f *Feed) Recent(ctx context.Context, symbol string, n int) ([]types.Candle, error) {
	if n > maxKlinesPerRequest {
		n = maxKlinesPerRequest
	}
	return f.fetch(ctx, symbol, n, time.Time{}, time.Time{})
}

// Range pages through [start, end].
func (f *Feed) Range(ctx context.Context, symbol string, start, end time.Time) ([]types.Candle, error) {
	var out []types.Candle
	cursor := start
	for cursor.Before(end) {
		page, err := f.fetch(ctx, symbol, maxKlinesPerRequest, cursor, end)
		if err != nil {
			return out, err
		}
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		next := page[len(page)-1].Time.Add(time.Millisecond)
		if !next.After(cursor) {
			break
		}
		cursor = next
		if len(page) < maxKlinesPerRequest {
			break
		}
	}
	return out, nil
}

func (f *Feed) fetch(ctx context.Context, symbol string, limit int, start, end time.Time) ([]types.Candle, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(f.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	args := req.URI().QueryArgs()
	args.Set("symbol", symbol)
	args.Set("interval", f.interval)
	args.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		args.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		args.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}

	deadline := time.Now().Add(f.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := f.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, types.NewTransientError("kline request", err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		err := fmt.Errorf("status %d", code)
		if code >= 500 || code == fasthttp.StatusTooManyRequests {
			return nil, types.NewTransientError("kline request", err)
		}
		return nil, types.NewValidationError(fmt.Sprintf("kline request: %v", err))
	}

	return ParseKlines(symbol, resp.Body())
}

// ParseKlines decodes a kline array payload.
func ParseKlines(symbol string, body []byte) ([]types.Candle, error) {
	result := gjson.ParseBytes(body)
	if !result.IsArray() {
		return nil, types.NewValidationError("unexpected kline response format")
	}

	rows := result.Array()
	candles := make([]types.Candle, 0, len(rows))
	for _, v := range rows {
		row := v.Array()
		if len(row) < 6 {
			continue
		}
		candles = append(candles, types.Candle{
			Time:   time.UnixMilli(row[0].Int()).UTC(),
			Symbol: symbol,
			Open:   row[1].Float(),
			High:   row[2].Float(),
			Low:    row[3].Float(),
			Close:  row[4].Float(),
			Volume: row[5].Float(),
		})
	}
	return candles, nil
}
