package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// providerFixture wires an API client against a test server that serves both
// the token exchange and quote endpoints.
func providerFixture(t *testing.T, handler http.HandlerFunc) (*API, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/session/token", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":{"access_token":"tok"}}`)
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	creds := NewCredentialManager("key", "secret", srv.URL, time.UTC, 6, time.Minute, testLogger())
	return NewAPI(srv.URL, creds, 5*time.Second, testLogger()), srv
}

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Status: 429, Body: "slow down"}
	want := "provider error 429: slow down"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestGetQuote_AuthHeaderAndNormalization(t *testing.T) {
	var gotAuth string
	api, _ := providerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/quote" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"data":{"symbol":"INFY","exchange":"NSE","last_price":1520,
			"ohlc":{"open":1500,"high":1530,"low":1495,"close":1500}}}`)
	})

	q, err := api.GetQuote(context.Background(), "NSE", "cash", "INFY")
	if err != nil {
		t.Fatalf("GetQuote() = %v", err)
	}

	if gotAuth != "token key:tok" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "token key:tok")
	}
	// change figures absent: derived from previous close.
	if q.Change != 20 {
		t.Errorf("Change = %v, want 20 (derived)", q.Change)
	}
	wantPct := 20.0 / 1500 * 100
	if diff := q.ChangePercent - wantPct; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("ChangePercent = %v, want %v", q.ChangePercent, wantPct)
	}
	if q.PrevClose != 1500 {
		t.Errorf("PrevClose = %v, want 1500", q.PrevClose)
	}
}

func TestGetQuote_ProvidedChangePreferred(t *testing.T) {
	api, _ := providerFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":{"symbol":"INFY","last_price":1520,"change":5,"change_percent":0.33,
			"ohlc":{"open":1500,"high":1530,"low":1495,"close":1500}}}`)
	})

	q, err := api.GetQuote(context.Background(), "NSE", "cash", "INFY")
	if err != nil {
		t.Fatal(err)
	}
	if q.Change != 5 || q.ChangePercent != 0.33 {
		t.Fatalf("Change = %v/%v, want provider-supplied 5/0.33", q.Change, q.ChangePercent)
	}
}

func TestGetBulkLTP(t *testing.T) {
	api, _ := providerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote/ltp" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("segment"); got != "cash" {
			t.Errorf("segment = %q, want cash", got)
		}
		if got := r.URL.Query().Get("instruments"); got != "NSE:INFY,NSE:TCS" {
			t.Errorf("instruments = %q", got)
		}
		fmt.Fprint(w, `{"data":{"NSE:INFY":{"last_price":1520},"NSE:TCS":{"last_price":3890.5}}}`)
	})

	ltp, err := api.GetBulkLTP(context.Background(), "cash", []string{"NSE:INFY", "NSE:TCS"})
	if err != nil {
		t.Fatal(err)
	}
	if ltp["NSE:INFY"] != 1520 || ltp["NSE:TCS"] != 3890.5 {
		t.Fatalf("GetBulkLTP() = %v", ltp)
	}
}

func TestGetBulkOHLC_RepairsMalformedEntries(t *testing.T) {
	api, _ := providerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote/ohlc" {
			http.NotFound(w, r)
			return
		}
		// NSE:TCS carries the provider's malformed single-quoted blob.
		fmt.Fprint(w, `{"data":{
			"NSE:INFY":{"ohlc":{"open":1500,"high":1530,"low":1495,"close":1500}},
			"NSE:TCS":{"ohlc":"{'open': 3900, 'high': 3950, 'low': 3880, 'close': 3895}"}
		}}`)
	})

	bars, err := api.GetBulkOHLC(context.Background(), "cash", []string{"NSE:INFY", "NSE:TCS"})
	if err != nil {
		t.Fatal(err)
	}
	if bars["NSE:INFY"].Open != 1500 {
		t.Errorf("well-formed bar = %+v", bars["NSE:INFY"])
	}
	if got := bars["NSE:TCS"]; got.Open != 3900 || got.Close != 3895 {
		t.Errorf("repaired bar = %+v, want open 3900 close 3895", got)
	}
}

func TestGetJSON_RetriesOnceOnForbidden(t *testing.T) {
	var calls int32
	api, _ := providerFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"error":"token expired"}`)
			return
		}
		fmt.Fprint(w, `{"data":{"symbol":"INFY","last_price":1520,"ohlc":{}}}`)
	})

	q, err := api.GetQuote(context.Background(), "NSE", "cash", "INFY")
	if err != nil {
		t.Fatalf("GetQuote() after 403 retry = %v", err)
	}
	if q.LastPrice != 1520 {
		t.Fatalf("LastPrice = %v", q.LastPrice)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("quote endpoint calls = %d, want 2", got)
	}
}

func TestGetJSON_PersistentForbiddenSurfaces(t *testing.T) {
	api, _ := providerFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"revoked"}`)
	})

	_, err := api.GetQuote(context.Background(), "NSE", "cash", "INFY")
	if !IsForbidden(err) {
		t.Fatalf("err = %v, want forbidden APIError", err)
	}
}

func TestGetExpiries(t *testing.T) {
	api, _ := providerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/options/expiries" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("month"); got != "2025-01" {
			t.Errorf("month = %q, want 2025-01", got)
		}
		fmt.Fprint(w, `{"data":["2025-01-09","2025-01-30"]}`)
	})

	expiries, err := api.GetExpiries(context.Background(), "BANKNIFTY",
		time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(expiries) != 2 || expiries[1] != "2025-01-30" {
		t.Fatalf("GetExpiries() = %v", expiries)
	}
}

func TestGetOptionChain(t *testing.T) {
	api, _ := providerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/options/chain" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"data":[
			{"strike":48000,"right":"CE","last_price":350.5,"bid":350,"ask":351},
			{"strike":48000,"right":"PE","last_price":290.25,"bid":290,"ask":291}
		]}`)
	})

	chain, err := api.GetOptionChain(context.Background(), "BANKNIFTY", "2025-01-30")
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 || chain[0].Right != "CE" || chain[1].LastPrice != 290.25 {
		t.Fatalf("GetOptionChain() = %+v", chain)
	}
}
