package feeder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestHTTPFetcherParsesQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ids"); got != "ethereum" {
			t.Fatalf("ids = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]map[string]float64{
			"ethereum": {"usd": 2534.56},
		})
	}))
	defer srv.Close()

	fetcher := NewHTTPFetcher(HTTPOptions{BaseURL: srv.URL}, zerolog.Nop())
	price, err := fetcher.FetchPrice(context.Background())
	if err != nil {
		t.Fatalf("FetchPrice: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("2534.56")) {
		t.Fatalf("price = %s", price)
	}

	cents, err := ToCents(price)
	if err != nil {
		t.Fatalf("ToCents: %v", err)
	}
	if cents != 253456 {
		t.Fatalf("cents = %d", cents)
	}
}

func TestHTTPFetcherRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name string
		body any
		code int
	}{
		{"server error", nil, http.StatusBadGateway},
		{"missing asset", map[string]map[string]float64{"bitcoin": {"usd": 1}}, http.StatusOK},
		{"missing currency", map[string]map[string]float64{"ethereum": {"eur": 1}}, http.StatusOK},
		{"zero price", map[string]map[string]float64{"ethereum": {"usd": 0}}, http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				if tc.body != nil {
					_ = json.NewEncoder(w).Encode(tc.body)
				}
			}))
			defer srv.Close()

			fetcher := NewHTTPFetcher(HTTPOptions{BaseURL: srv.URL}, zerolog.Nop())
			if _, err := fetcher.FetchPrice(context.Background()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

type scriptedFetcher struct {
	failures int
	calls    atomic.Int64
	price    decimal.Decimal
}

func (f *scriptedFetcher) FetchPrice(ctx context.Context) (decimal.Decimal, error) {
	n := f.calls.Add(1)
	if int(n) <= f.failures {
		return decimal.Decimal{}, errors.New("feed unavailable")
	}
	return f.price, nil
}

type recordingSink struct {
	cents []uint64
	err   error
}

func (s *recordingSink) SubmitPrice(_ context.Context, cents uint64) error {
	if s.err != nil {
		return s.err
	}
	s.cents = append(s.cents, cents)
	return nil
}

func TestFeederRetriesThenSucceeds(t *testing.T) {
	fetcher := &scriptedFetcher{failures: 2, price: decimal.RequireFromString("20.00")}
	sink := &recordingSink{}
	f := New(fetcher, sink, Options{MaxAttempts: 3, Backoff: time.Millisecond}, zerolog.Nop())

	if err := f.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if fetcher.calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", fetcher.calls.Load())
	}
	if len(sink.cents) != 1 || sink.cents[0] != 2000 {
		t.Fatalf("sink got %v", sink.cents)
	}
}

func TestFeederGivesUpAfterMaxAttempts(t *testing.T) {
	fetcher := &scriptedFetcher{failures: 10, price: decimal.NewFromInt(20)}
	sink := &recordingSink{}
	f := New(fetcher, sink, Options{MaxAttempts: 3, Backoff: time.Millisecond}, zerolog.Nop())

	if err := f.ProcessTick(context.Background(), time.Now()); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if fetcher.calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", fetcher.calls.Load())
	}
	if len(sink.cents) != 0 {
		t.Fatal("sink must not receive a price on failure")
	}
}

func TestFeederBackoffIsCancellable(t *testing.T) {
	fetcher := &scriptedFetcher{failures: 10, price: decimal.NewFromInt(20)}
	f := New(fetcher, &recordingSink{}, Options{MaxAttempts: 3, Backoff: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := f.ProcessTick(ctx, time.Now())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("backoff did not honor cancellation")
	}
}

type staticOracle struct{ cents uint64 }

func (o staticOracle) CurrentCents() uint64 { return o.cents }

type recordingReporter struct {
	oracleCents, feedCents uint64
	called                 bool
}

func (r *recordingReporter) ReportDiscrepancy(_ context.Context, oracleCents, feedCents uint64) {
	r.called = true
	r.oracleCents = oracleCents
	r.feedCents = feedCents
}

func TestMonitorFlagsDiscrepancy(t *testing.T) {
	fetcher := &scriptedFetcher{price: decimal.RequireFromString("22.00")}
	reporter := &recordingReporter{}
	m := NewMonitor(fetcher, staticOracle{cents: 2000}, reporter, 5, zerolog.Nop())

	if err := m.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if !reporter.called {
		t.Fatal("10% deviation should be flagged")
	}
	if reporter.oracleCents != 2000 || reporter.feedCents != 2200 {
		t.Fatalf("unexpected report: %+v", reporter)
	}
}

func TestMonitorIgnoresSmallDeviation(t *testing.T) {
	fetcher := &scriptedFetcher{price: decimal.RequireFromString("20.40")}
	reporter := &recordingReporter{}
	m := NewMonitor(fetcher, staticOracle{cents: 2000}, reporter, 5, zerolog.Nop())

	if err := m.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if reporter.called {
		t.Fatal("2% deviation should not be flagged")
	}
}

func TestMonitorSkipsUnsetOracle(t *testing.T) {
	fetcher := &scriptedFetcher{price: decimal.NewFromInt(20)}
	reporter := &recordingReporter{}
	m := NewMonitor(fetcher, staticOracle{}, reporter, 5, zerolog.Nop())

	if err := m.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if fetcher.calls.Load() != 0 {
		t.Fatal("monitor must not fetch before the oracle is seeded")
	}
	if reporter.called {
		t.Fatal("no report expected")
	}
}
