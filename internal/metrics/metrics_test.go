package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/livequery"
)

func scrape(t *testing.T, collector *Collector) string {
	t.Helper()
	recorder := httptest.NewRecorder()
	collector.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", recorder.Code)
	}
	body, err := io.ReadAll(recorder.Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	return string(body)
}

func TestObserveLifecycleTracksRegistrySizes(t *testing.T) {
	collector := New()
	collector.ObserveLifecycle(livequery.LifecycleEvent{Event: livequery.LifecycleConnect, Clients: 1})
	collector.ObserveLifecycle(livequery.LifecycleEvent{Event: livequery.LifecycleSubscribe, Clients: 1, Subscriptions: 3})
	collector.ObserveDelivery(livequery.Delivery{ClientID: "client-1", RequestID: 1})

	body := scrape(t, collector)
	for _, expected := range []string{
		"livequery_server_clients 1",
		"livequery_server_subscriptions 3",
		`livequery_server_lifecycle_events_total{event="connect"} 1`,
		`livequery_server_lifecycle_events_total{event="subscribe"} 1`,
		`livequery_server_deliveries_total{event="none",reason=""} 1`,
	} {
		if !strings.Contains(body, expected) {
			t.Fatalf("expected %q in metrics output:\n%s", expected, body)
		}
	}
}

func TestGinMiddlewareRecordsRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	collector := New()
	router := gin.New()
	router.Use(collector.GinMiddleware())
	router.GET("/classes/:className", func(ctx *gin.Context) {
		ctx.Status(http.StatusNoContent)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/classes/Post", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	body := scrape(t, collector)
	for _, expected := range []string{
		`livequery_http_requests_total{method="GET",route="/classes/:className",status="204"} 1`,
		`livequery_http_requests_total{method="GET",route="unmatched",status="404"} 1`,
	} {
		if !strings.Contains(body, expected) {
			t.Fatalf("expected %q in metrics output:\n%s", expected, body)
		}
	}
}
