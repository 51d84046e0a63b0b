package exporters

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/smazurov/uvccap/internal/metrics"
)

func TestHTTPHandler(t *testing.T) {
	metrics.RecordFrame("/dev/video-http", 10, 0)
	defer metrics.DeleteDeviceMetrics("/dev/video-http")

	srv := NewServer(":0")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "uvccap_capture_frames_total") {
		t.Error("expected capture metrics in response")
	}
}
