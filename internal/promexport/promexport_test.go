package promexport

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quietloop/runtimehost/internal/metrics"
)

func TestHandlerExposesCounterValue(t *testing.T) {
	reg := metrics.New()
	reg.IncrementOne("stability_ping_count")
	reg.IncrementOne("stability_ping_count")

	h := Handler(reg)
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "runtimehost_stability_ping_count 2") {
		t.Fatalf("body missing expected gauge line:\n%s", body)
	}
}
