// Package esr is the client for the USDA export sales reporting feed. It
// rotates a pool of API keys, retries transient failures with exponential
// backoff and validates payload shape before handing rows downstream.
package esr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"exportsales/internal/config"
	"exportsales/internal/model"
)

const (
	maxAttempts     = 2
	backoffFactor   = 1.5
	rateLimitHeader = "X-Ratelimit-Remaining"
	quotaEndpoint   = "/regions"
)

// ErrExhaustedRetries aborts the fetch for one endpoint after the attempt
// budget is spent. Callers log and continue with the next commodity/year.
var ErrExhaustedRetries = errors.New("esr: exhausted retries")

// emptyOKEndpoints are allowed to answer with an empty array. Anywhere
// else an empty body is a transient upstream failure.
var emptyOKEndpoints = []string{"/regions", "/countries", "/commodities"}

// ReleaseDate is one row of the /datareleasedates endpoint.
type ReleaseDate struct {
	CommodityCode   int
	MarketYear      int
	ReleaseStamp    string
	MarketYearStart string
	MarketYearEnd   string
}

// Client issues requests against the upstream feed.
type Client struct {
	baseURL    string
	threshold  int
	retryDelay time.Duration
	userAgent  string
	http       *http.Client
	keys       *KeyPool
	log        *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// New builds a client with a key pool over cfg.APIKeys. The pool probes
// quotas through the /regions endpoint.
func New(cfg config.Config, logger *slog.Logger) (*Client, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, errors.New("esr: at least one api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		threshold:  cfg.RateLimitThreshold,
		retryDelay: cfg.RetryDelay,
		userAgent:  cfg.UserAgent,
		http:       &http.Client{Timeout: cfg.Timeout},
		log:        logger,
		sleep:      sleepWithContext,
	}
	c.keys = NewKeyPool(cfg.APIKeys, cfg.RateLimitThreshold, cfg.Cooldown, c.probeQuota)
	return c, nil
}

// Keys exposes the credential pool.
func (c *Client) Keys() *KeyPool {
	return c.keys
}

// Request fetches one endpoint and returns its rows. Rate limiting rotates
// the credential; timeouts, connection errors and malformed or unexpectedly
// empty bodies are retried with backoff until the attempt budget runs out.
func (c *Client) Request(ctx context.Context, endpoint string) ([]map[string]any, error) {
	url := c.baseURL + endpoint

	for attempt := 0; attempt < maxAttempts; attempt++ {
		c.log.Info("esr request", "endpoint", endpoint, "attempt", attempt+1, "max", maxAttempts)

		resp, err := c.do(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.Warn("esr request failed", "endpoint", endpoint, "error", err)
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		body, status, remaining := resp.body, resp.status, resp.remaining

		if status == http.StatusTooManyRequests {
			c.log.Info("esr rate limit hit, rotating key", "endpoint", endpoint)
			if err := c.keys.Rotate(ctx); err != nil {
				return nil, err
			}
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}
		if status < http.StatusOK || status >= http.StatusMultipleChoices {
			c.log.Warn("esr unexpected status", "endpoint", endpoint, "status", status)
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		if remaining >= 0 {
			c.keys.UpdateQuota(remaining)
		}

		rows, err := decodeRows(body)
		if err != nil {
			c.log.Warn("esr malformed response", "endpoint", endpoint, "error", err)
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}
		if len(rows) == 0 && !emptyAllowed(endpoint) {
			c.log.Warn("esr empty response", "endpoint", endpoint)
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		if remaining >= 0 && remaining < c.threshold {
			if err := c.keys.Rotate(ctx); err != nil {
				return nil, err
			}
		}
		return rows, nil
	}

	return nil, fmt.Errorf("%w: %s after %d attempts", ErrExhaustedRetries, endpoint, maxAttempts)
}

type response struct {
	body      []byte
	status    int
	remaining int
}

func (c *Client) do(ctx context.Context, url string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.keys.Active())
	req.Header.Set("accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	remaining := -1
	if v := strings.TrimSpace(resp.Header.Get(rateLimitHeader)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			remaining = parsed
		}
	}
	return &response{body: body, status: resp.StatusCode, remaining: remaining}, nil
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	wait := time.Duration(float64(c.retryDelay) * math.Pow(backoffFactor, float64(attempt)))
	return c.sleep(ctx, wait)
}

// probeQuota makes the lightweight quota check used by the key pool.
func (c *Client) probeQuota(ctx context.Context, key string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+quotaEndpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-Api-Key", key)
	req.Header.Set("accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return 0, fmt.Errorf("esr: quota probe status %d", resp.StatusCode)
	}
	remaining, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get(rateLimitHeader)))
	if err != nil {
		return 0, nil
	}
	return remaining, nil
}

func decodeRows(body []byte) ([]map[string]any, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return extractRows(payload)
}

func emptyAllowed(endpoint string) bool {
	for _, allowed := range emptyOKEndpoints {
		if strings.Contains(endpoint, allowed) {
			return true
		}
	}
	return false
}

// Regions fetches the region reference list.
func (c *Client) Regions(ctx context.Context) ([]model.Region, error) {
	rows, err := c.Request(ctx, "/regions")
	if err != nil {
		return nil, err
	}
	regions := make([]model.Region, 0, len(rows))
	for _, row := range rows {
		id, ok := getInt(row, "regionId")
		if !ok {
			continue
		}
		name, _ := getString(row, "regionName", "name")
		regions = append(regions, model.Region{ID: id, Name: name})
	}
	return regions, nil
}

// Countries fetches the country reference list.
func (c *Client) Countries(ctx context.Context) ([]model.Country, error) {
	rows, err := c.Request(ctx, "/countries")
	if err != nil {
		return nil, err
	}
	countries := make([]model.Country, 0, len(rows))
	for _, row := range rows {
		code, ok := getString(row, "countryCode")
		if !ok {
			continue
		}
		name, _ := getString(row, "countryName")
		description, _ := getString(row, "countryDescription")
		regionID, _ := getInt(row, "regionId")
		countries = append(countries, model.Country{
			Code:        code,
			Name:        name,
			Description: description,
			RegionID:    regionID,
		})
	}
	return countries, nil
}

// Commodities fetches the commodity reference list.
func (c *Client) Commodities(ctx context.Context) ([]model.Commodity, error) {
	rows, err := c.Request(ctx, "/commodities")
	if err != nil {
		return nil, err
	}
	commodities := make([]model.Commodity, 0, len(rows))
	for _, row := range rows {
		code, ok := getInt(row, "commodityCode")
		if !ok {
			continue
		}
		name, _ := getString(row, "commodityName")
		unitID, _ := getInt(row, "unitId")
		commodities = append(commodities, model.Commodity{Code: code, Name: name, UnitID: unitID})
	}
	return commodities, nil
}

// Units fetches the unit-of-measure reference list.
func (c *Client) Units(ctx context.Context) ([]model.Unit, error) {
	rows, err := c.Request(ctx, "/unitsOfMeasure")
	if err != nil {
		return nil, err
	}
	units := make([]model.Unit, 0, len(rows))
	for _, row := range rows {
		id, ok := getInt(row, "unitId")
		if !ok {
			continue
		}
		names, _ := getString(row, "unitNames")
		units = append(units, model.Unit{ID: id, Names: names})
	}
	return units, nil
}

// ReleaseDates fetches the per-commodity release timestamps that drive
// incremental collection.
func (c *Client) ReleaseDates(ctx context.Context) ([]ReleaseDate, error) {
	rows, err := c.Request(ctx, "/datareleasedates")
	if err != nil {
		return nil, err
	}
	releases := make([]ReleaseDate, 0, len(rows))
	for _, row := range rows {
		code, okCode := getInt(row, "commodityCode")
		year, okYear := getInt(row, "marketYear")
		if !okCode || !okYear {
			continue
		}
		stamp, _ := getString(row, "releaseTimeStamp")
		start, _ := getString(row, "marketYearStart")
		end, _ := getString(row, "marketYearEnd")
		releases = append(releases, ReleaseDate{
			CommodityCode:   code,
			MarketYear:      year,
			ReleaseStamp:    stamp,
			MarketYearStart: start,
			MarketYearEnd:   end,
		})
	}
	return releases, nil
}

// CommodityExports fetches one commodity/year partition of weekly export
// rows, stamped with the requested code and year the way the rest of the
// pipeline partitions them.
func (c *Client) CommodityExports(ctx context.Context, commodityCode, marketYear int) ([]map[string]any, error) {
	endpoint := fmt.Sprintf("/exports/commodityCode/%d/allCountries/marketYear/%d", commodityCode, marketYear)
	rows, err := c.Request(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		row["commodity_code"] = commodityCode
		row["market_year"] = marketYear
	}
	return rows, nil
}
