package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// mockPinger implements Pinger for tests.
type mockPinger struct {
	pingErr error
}

func (m *mockPinger) PingContext(context.Context) error {
	return m.pingErr
}

// mockPolicyChecker implements PolicyChecker for tests.
type mockPolicyChecker struct {
	healthErr error
}

func (m *mockPolicyChecker) HealthCheck(context.Context) error {
	return m.healthErr
}

func serve(h *Handler) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	return w
}

func TestHealth(t *testing.T) {
	testCases := []struct {
		name     string
		db       Pinger
		policy   PolicyChecker
		wantCode int
		wantBody string
	}{
		{"no dependencies", nil, nil, http.StatusOK, `{"ok":true}`},
		{"all healthy", &mockPinger{}, &mockPolicyChecker{}, http.StatusOK, `{"ok":true}`},
		{"database down", &mockPinger{pingErr: errors.New("connection refused")}, &mockPolicyChecker{}, http.StatusServiceUnavailable, `{"error":"database_unavailable","ok":false}`},
		{"policy broken", &mockPinger{}, &mockPolicyChecker{healthErr: errors.New("compile")}, http.StatusServiceUnavailable, `{"error":"policy_unavailable","ok":false}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(NewHandler(tc.db, tc.policy, nil))
			if w.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tc.wantCode)
			}
			if w.Body.String() != tc.wantBody {
				t.Errorf("body = %s, want %s", w.Body.String(), tc.wantBody)
			}
		})
	}
}
