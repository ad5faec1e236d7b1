package esr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"exportsales/internal/config"
)

func testConfig(baseURL string, keys ...string) config.Config {
	return config.Config{
		BaseURL:            baseURL,
		APIKeys:            keys,
		RateLimitThreshold: 50,
		RetryDelay:         time.Millisecond,
		Timeout:            time.Second,
		Cooldown:           time.Millisecond,
		UserAgent:          "exportsales-test",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestSuccessUpdatesQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k1" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("X-Ratelimit-Remaining", "500")
		w.Write([]byte(`[{"commodityCode": 101, "commodityName": "Wheat", "unitId": 1}]`))
	}))
	defer srv.Close()

	client, err := New(testConfig(srv.URL, "k1"), quietLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	rows, err := client.Request(context.Background(), "/commodities")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	remaining, known := client.Keys().ActiveRemaining()
	if !known || remaining != 500 {
		t.Errorf("expected quota 500 recorded, got %d (known=%v)", remaining, known)
	}
}

func TestRequestRotatesOnRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/regions" {
			// Quota probe during rotation.
			w.Header().Set("X-Ratelimit-Remaining", "900")
			w.Write([]byte(`[]`))
			return
		}
		if r.Header.Get("X-Api-Key") == "k1" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("X-Ratelimit-Remaining", "800")
		w.Write([]byte(`[{"regionId": 1}]`))
	}))
	defer srv.Close()

	client, err := New(testConfig(srv.URL, "k1", "k2"), quietLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	rows, err := client.Request(context.Background(), "/datareleasedates")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 row, got %d", len(rows))
	}
	if client.Keys().Active() != "k2" {
		t.Errorf("expected rotation to k2, got %s", client.Keys().Active())
	}
}

func TestRequestExhaustsRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := New(testConfig(srv.URL, "k1"), quietLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Request(context.Background(), "/datareleasedates")
	if !errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("expected ErrExhaustedRetries, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRequestEmptyBodyRetriedUnlessAllowed(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Header().Set("X-Ratelimit-Remaining", "900")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client, err := New(testConfig(srv.URL, "k1"), quietLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Request(context.Background(), "/datareleasedates")
	if !errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("expected empty body to exhaust retries, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}

	// /commodities may legitimately answer with an empty array.
	rows, err := client.Request(context.Background(), "/commodities")
	if err != nil {
		t.Fatalf("allow-listed empty body should succeed, got %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
}

func TestRequestMalformedBodyRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	client, err := New(testConfig(srv.URL, "k1"), quietLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Request(context.Background(), "/datareleasedates")
	if !errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("expected ErrExhaustedRetries, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRequestProactivelyRotatesBelowThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/regions" {
			w.Header().Set("X-Ratelimit-Remaining", "700")
			w.Write([]byte(`[]`))
			return
		}
		w.Header().Set("X-Ratelimit-Remaining", "10")
		w.Write([]byte(`[{"countryCode": "KR", "countryName": "Korea"}]`))
	}))
	defer srv.Close()

	client, err := New(testConfig(srv.URL, "k1", "k2"), quietLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	rows, err := client.Request(context.Background(), "/exports/commodityCode/101/allCountries/marketYear/2023")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 row, got %d", len(rows))
	}
	if client.Keys().Active() != "k2" {
		t.Errorf("expected proactive rotation to k2, got %s", client.Keys().Active())
	}
}

func TestCommodityExportsStampsPartition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Ratelimit-Remaining", "900")
		w.Write([]byte(`[{"weekEndingDate": "2023-01-05T00:00:00", "countryCode": "KR", "weeklyExports": 100}]`))
	}))
	defer srv.Close()

	client, err := New(testConfig(srv.URL, "k1"), quietLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	rows, err := client.CommodityExports(context.Background(), 101, 2023)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if rows[0]["commodity_code"] != 101 || rows[0]["market_year"] != 2023 {
		t.Errorf("expected stamped partition columns, got %v", rows[0])
	}
}

func TestReferenceDecoders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Ratelimit-Remaining", "900")
		switch r.URL.Path {
		case "/regions":
			w.Write([]byte(`[{"regionId": 1, "regionName": "Asia"}, {"bogus": true}]`))
		case "/countries":
			w.Write([]byte(`[{"countryCode": "KR", "countryName": "Korea, South", "regionId": 1}]`))
		case "/commodities":
			w.Write([]byte(`[{"commodityCode": 101, "commodityName": "Wheat", "unitId": 1}]`))
		case "/unitsOfMeasure":
			w.Write([]byte(`[{"unitId": 1, "unitNames": "Metric Tons"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := New(testConfig(srv.URL, "k1"), quietLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	regions, err := client.Regions(ctx)
	if err != nil {
		t.Fatalf("regions: %v", err)
	}
	if len(regions) != 1 || regions[0].Name != "Asia" {
		t.Errorf("unexpected regions decode: %+v", regions)
	}

	countries, err := client.Countries(ctx)
	if err != nil {
		t.Fatalf("countries: %v", err)
	}
	if len(countries) != 1 || countries[0].Code != "KR" || countries[0].RegionID != 1 {
		t.Errorf("unexpected countries decode: %+v", countries)
	}

	commodities, err := client.Commodities(ctx)
	if err != nil {
		t.Fatalf("commodities: %v", err)
	}
	if len(commodities) != 1 || commodities[0].Code != 101 || commodities[0].UnitID != 1 {
		t.Errorf("unexpected commodities decode: %+v", commodities)
	}

	units, err := client.Units(ctx)
	if err != nil {
		t.Fatalf("units: %v", err)
	}
	if len(units) != 1 || units[0].Names != "Metric Tons" {
		t.Errorf("unexpected units decode: %+v", units)
	}
}

func TestReleaseDatesDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Ratelimit-Remaining", "900")
		w.Write([]byte(`[
			{"commodityCode": 101, "marketYear": 2023, "releaseTimeStamp": "2023-06-01T12:00:00",
			 "marketYearStart": "2022-09-01", "marketYearEnd": "2023-08-31"}
		]`))
	}))
	defer srv.Close()

	client, err := New(testConfig(srv.URL, "k1"), quietLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	releases, err := client.ReleaseDates(context.Background())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if len(releases) != 1 {
		t.Fatalf("expected 1 release, got %d", len(releases))
	}
	r := releases[0]
	if r.CommodityCode != 101 || r.MarketYear != 2023 || r.ReleaseStamp != "2023-06-01T12:00:00" {
		t.Errorf("unexpected release decode: %+v", r)
	}
}
