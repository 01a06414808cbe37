package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/worker"
)

type fakeWorkers struct{}

func (fakeWorkers) GetStats() worker.Stats {
	return worker.Stats{SubscriptionCount: 1, Processed: 3}
}

func createTestServer(t *testing.T) (*Server, *detector.Detector, *bus.ChannelBus) {
	t.Helper()

	det := detector.New(nil, detector.Options{})
	eventBus := bus.NewChannelBus(16)
	t.Cleanup(func() { eventBus.Close() })

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	return NewServer(cfg, det, cache.NewLRUCache(100), eventBus, fakeWorkers{}, "test-v1"), det, eventBus
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := createTestServer(t)

	rr := get(t, server, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", resp["status"])
	}
	if resp["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %s", resp["version"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("Ready", func(t *testing.T) {
		server, _, _ := createTestServer(t)
		if rr := get(t, server, "/ready"); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("BusClosed", func(t *testing.T) {
		server, _, eventBus := createTestServer(t)
		eventBus.Close()

		rr := get(t, server, "/ready")
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", rr.Code)
		}

		var resp struct {
			Ready  bool              `json:"ready"`
			Checks map[string]string `json:"checks"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Ready {
			t.Error("expected ready=false")
		}
		if resp.Checks["cache"] != "ok" {
			t.Errorf("expected cache ok, got %q", resp.Checks["cache"])
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	server, det, _ := createTestServer(t)
	det.Analyze(context.Background(), &domain.Transaction{ID: "tx-m", UserID: "u", Amount: decimal.NewFromInt(10)})

	rr := get(t, server, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "kestrel_") {
		t.Error("expected kestrel metrics in exposition")
	}
}

func TestStatsEndpoint(t *testing.T) {
	server, det, _ := createTestServer(t)
	det.Analyze(context.Background(), &domain.Transaction{ID: "tx-1", UserID: "user-1", Amount: decimal.NewFromInt(25)})
	det.Analyze(context.Background(), &domain.Transaction{ID: "tx-2"})

	rr := get(t, server, "/stats")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp StatsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Detector.TotalAnalyses != 1 {
		t.Errorf("expected 1 analysis, got %d", resp.Detector.TotalAnalyses)
	}
	if resp.Detector.InvalidTransactions != 1 {
		t.Errorf("expected 1 invalid transaction, got %d", resp.Detector.InvalidTransactions)
	}
	if resp.Worker == nil || resp.Worker.Processed != 3 {
		t.Errorf("expected worker stats, got %+v", resp.Worker)
	}
}

func TestRuleEndpoints(t *testing.T) {
	server, _, _ := createTestServer(t)

	t.Run("List", func(t *testing.T) {
		rr := get(t, server, "/rules")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Rules []domain.DetectionRule `json:"rules"`
			Count int                    `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != len(domain.SignalNames) || len(resp.Rules) != resp.Count {
			t.Errorf("expected %d rules, got %d", len(domain.SignalNames), resp.Count)
		}
		if resp.Rules[0].Name != "velocity" {
			t.Errorf("expected velocity first, got %s", resp.Rules[0].Name)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := get(t, server, "/rules/amount")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var rule domain.DetectionRule
		if err := json.Unmarshal(rr.Body.Bytes(), &rule); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if rule.Name != "amount" || !rule.Enabled {
			t.Errorf("unexpected rule: %+v", rule)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if rr := get(t, server, "/rules/unknown"); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestEntityEndpoints(t *testing.T) {
	server, det, _ := createTestServer(t)
	det.Analyze(context.Background(), &domain.Transaction{
		ID:         "tx-1",
		UserID:     "user-1",
		Amount:     decimal.NewFromInt(40),
		MerchantID: "shop-1",
		DeviceID:   "dev-1",
		Timestamp:  time.Now(),
	})

	t.Run("Velocity", func(t *testing.T) {
		rr := get(t, server, "/users/user-1/velocity?window=2h")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != 1 {
			t.Errorf("expected 1 transaction, got %d", resp.Count)
		}
	})

	t.Run("BadWindow", func(t *testing.T) {
		if rr := get(t, server, "/users/user-1/velocity?window=soon"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Device", func(t *testing.T) {
		if rr := get(t, server, "/devices/dev-1"); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		if rr := get(t, server, "/devices/missing"); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("UserDevices", func(t *testing.T) {
		rr := get(t, server, "/users/user-1/devices")
		if !strings.Contains(rr.Body.String(), "dev-1") {
			t.Errorf("expected dev-1 in %s", rr.Body.String())
		}
	})

	t.Run("Merchant", func(t *testing.T) {
		if rr := get(t, server, "/merchants/shop-1"); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("UnknownIP", func(t *testing.T) {
		if rr := get(t, server, "/ips/203.0.113.9"); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestResponseHeaders(t *testing.T) {
	server, _, _ := createTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if got := rr.Header().Get(RequestIDHeader); got != "req-123" {
		t.Errorf("expected request id echoed, got %q", got)
	}
	if rr.Header().Get(TraceIDHeader) == "" {
		t.Error("expected trace id header")
	}
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected CORS header")
	}
}

func TestRequestMetricsUseRoutePattern(t *testing.T) {
	server, _, _ := createTestServer(t)
	c := metrics.HTTPRequestsTotal.WithLabelValues("/rules/{name}", "404")
	before := testutil.ToFloat64(c)

	get(t, server, "/rules/first-missing")
	get(t, server, "/rules/second-missing")

	if got := testutil.ToFloat64(c); got != before+2 {
		t.Errorf("expected %v requests under route pattern, got %v", before+2, got)
	}
}
