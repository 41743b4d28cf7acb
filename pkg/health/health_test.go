package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewHealthCheckerStartsNotReady(t *testing.T) {
	hc := NewHealthChecker()
	if hc.IsReady() {
		t.Error("IsReady() = true, want false before any check is recorded")
	}
}

func TestIsReadyRequiresEveryCheckToPass(t *testing.T) {
	hc := NewHealthChecker()
	hc.SetCheck("helm", true, "")
	if !hc.IsReady() {
		t.Error("IsReady() = false, want true when the only recorded check passes")
	}
	hc.SetCheck("kubectl", false, "executable file not found in $PATH")
	if hc.IsReady() {
		t.Error("IsReady() = true, want false with a failing check")
	}
	hc.SetCheck("kubectl", true, "")
	if !hc.IsReady() {
		t.Error("IsReady() = false, want true once every check passes")
	}
}

func TestChecksAreSortedByName(t *testing.T) {
	hc := NewHealthChecker()
	hc.SetCheck("kubectl", true, "")
	hc.SetCheck("helm", true, "")
	checks := hc.Checks()
	if len(checks) != 2 || checks[0].Name != "helm" || checks[1].Name != "kubectl" {
		t.Errorf("Checks() = %+v, want [helm kubectl] order", checks)
	}
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	hc := NewHealthChecker()
	rec := httptest.NewRecorder()
	hc.LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestReadinessHandlerReportsFailingCheck(t *testing.T) {
	hc := NewHealthChecker()
	hc.SetCheck("helm", false, "executable file not found in $PATH")
	rec := httptest.NewRecorder()
	hc.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var checks []Check
	if err := json.Unmarshal(rec.Body.Bytes(), &checks); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	if len(checks) != 1 || checks[0].Name != "helm" || checks[0].OK {
		t.Errorf("checks = %+v, want one failing \"helm\" check", checks)
	}
	if checks[0].Detail == "" {
		t.Error("Detail is empty for a failing check")
	}
}

func TestReadinessHandlerOKWhenAllChecksPass(t *testing.T) {
	hc := NewHealthChecker()
	hc.SetCheck("helm", true, "")
	hc.SetCheck("kubectl", true, "")
	rec := httptest.NewRecorder()
	hc.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAttachHealthEndpointsRegistersBothRoutes(t *testing.T) {
	hc := NewHealthChecker()
	hc.SetCheck("helm", true, "")
	hc.SetCheck("kubectl", true, "")
	mux := http.NewServeMux()
	AttachHealthEndpoints(mux, hc)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}
