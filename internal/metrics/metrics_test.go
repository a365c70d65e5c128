package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから指定名・ラベルに一致するメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func matchLabels(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	if c := NewCollector(prometheus.NewRegistry()); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordResolution_CountsOutcomeAndLatency は解決結果とレイテンシが記録されることを検証する。
func TestRecordResolution_CountsOutcomeAndLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordResolution("ok", 20*time.Millisecond)
	c.RecordResolution("ok", 30*time.Millisecond)
	c.RecordResolution("profile_unavailable", 9*time.Second)

	if v := findMetric(t, reg, "ratemyrental_profile_resolutions_total", map[string]string{"outcome": "ok"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("resolutions{ok} = %v, want 2", v)
	}
	if v := findMetric(t, reg, "ratemyrental_profile_resolutions_total", map[string]string{"outcome": "profile_unavailable"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("resolutions{profile_unavailable} = %v, want 1", v)
	}
	h := findMetric(t, reg, "ratemyrental_profile_resolution_seconds", nil).GetHistogram()
	if h.GetSampleCount() != 3 {
		t.Errorf("histogram sample count = %d, want 3", h.GetSampleCount())
	}
}

// TestRecordProfileRepair_LabelsResult は修復の成否がラベルで区別されることを検証する。
func TestRecordProfileRepair_LabelsResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordProfileRepair(true)
	c.RecordProfileRepair(false)
	c.RecordProfileRepair(false)

	if v := findMetric(t, reg, "ratemyrental_profile_repairs_total", map[string]string{"result": "success"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("repairs{success} = %v, want 1", v)
	}
	if v := findMetric(t, reg, "ratemyrental_profile_repairs_total", map[string]string{"result": "failure"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("repairs{failure} = %v, want 2", v)
	}
}

// TestSimpleCounters はラベルなしカウンタが増加することを検証する。
func TestSimpleCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	for i := 0; i < 5; i++ {
		c.RecordProfileRetry()
	}
	c.RecordReputationFailure()
	c.RecordStaleResolution()
	c.RecordStaleResolution()

	tests := []struct {
		name string
		want float64
	}{
		{"ratemyrental_profile_lookup_retries_total", 5},
		{"ratemyrental_reputation_read_failures_total", 1},
		{"ratemyrental_stale_resolutions_total", 2},
	}
	for _, tt := range tests {
		if v := findMetric(t, reg, tt.name, nil).GetCounter().GetValue(); v != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, v, tt.want)
		}
	}
}

// TestRecordAuthAttempt_LabelsOperationAndOutcome は認証試行が操作と結果で分類されることを検証する。
func TestRecordAuthAttempt_LabelsOperationAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAuthAttempt("sign_in", "ok")
	c.RecordAuthAttempt("sign_in", "invalid_credentials")
	c.RecordAuthAttempt("sign_in", "invalid_credentials")

	m := findMetric(t, reg, "ratemyrental_auth_attempts_total", map[string]string{"operation": "sign_in", "outcome": "invalid_credentials"})
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("auth_attempts{sign_in,invalid_credentials} = %v, want 2", v)
	}
}

// TestSetActiveSessions_SetsGauge はゲージが最後の値になることを検証する。
func TestSetActiveSessions_SetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetActiveSessions(4)
	c.SetActiveSessions(2)

	if v := findMetric(t, reg, "ratemyrental_active_sessions", nil).GetGauge().GetValue(); v != 2 {
		t.Errorf("active_sessions = %v, want 2", v)
	}
}

// TestHandler_ServesPrometheusFormat はHandlerがテキスト形式でメトリクスを返すことを検証する。
func TestHandler_ServesPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordAuthAttempt("sign_up", "pending_confirmation")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ratemyrental_auth_attempts_total") {
		t.Error("response should contain ratemyrental_auth_attempts_total")
	}
}

// TestMultipleCollectors_IndependentRegistries は別レジストリのCollectorが干渉しないことを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	_ = NewCollector(reg2)

	c1.RecordProfileRetry()

	if v := findMetric(t, reg2, "ratemyrental_profile_lookup_retries_total", nil).GetCounter().GetValue(); v != 0 {
		t.Errorf("reg2 retries = %v, want 0", v)
	}
}

// TestRecordHTTPRequest_LabelsRouteAndStatus はHTTPリクエストがルートとステータスで記録されることを検証する。
func TestRecordHTTPRequest_LabelsRouteAndStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPRequest("POST", "/auth/login", 200, 40*time.Millisecond)
	c.RecordHTTPRequest("POST", "/auth/login", 429, 1*time.Millisecond)

	m := findMetric(t, reg, "ratemyrental_http_requests_total", map[string]string{"method": "POST", "route": "/auth/login", "status": "429"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("http_requests{429} = %v, want 1", v)
	}
	h := findMetric(t, reg, "ratemyrental_http_request_duration_seconds", map[string]string{"method": "POST", "route": "/auth/login"})
	if n := h.GetHistogram().GetSampleCount(); n != 2 {
		t.Errorf("duration sample count = %d, want 2", n)
	}
}

// TestRecordRateLimited_LabelsLimit はレート制限の種類ごとに記録されることを検証する。
func TestRecordRateLimited_LabelsLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRateLimited("auth")
	c.RecordRateLimited("auth")
	c.RecordRateLimited("general")

	if v := findMetric(t, reg, "ratemyrental_rate_limited_total", map[string]string{"limit": "auth"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("rate_limited{auth} = %v, want 2", v)
	}
}
