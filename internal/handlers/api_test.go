package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/mossy-p/ensemble/config"
	"github.com/mossy-p/ensemble/internal/metrics"
	"github.com/mossy-p/ensemble/internal/middleware"
	"github.com/mossy-p/ensemble/internal/models"
)

func newTestAPI(t *testing.T) (http.Handler, *MemoryPresence) {
	t.Helper()
	cfg := &config.Config{
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"http://localhost:3000"},
	}
	presence := NewMemoryPresence()
	m := metrics.NewPrometheusCollector()
	hub := NewHub(HubConfig{JWTSecret: testSecret, Presence: presence, Metrics: m})
	return NewRouter(cfg, hub, presence, m), presence
}

func do(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestLogin(t *testing.T) {
	h, _ := newTestAPI(t)

	w := do(h, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"pw"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d, body %s", w.Code, w.Body)
	}
	var resp LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("login body: %v", err)
	}
	claims, err := middleware.ParseToken(testSecret, resp.Token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if resp.ExpiresIn != 86400 {
		t.Errorf("ExpiresIn: got %d, want 86400", resp.ExpiresIn)
	}
	if claims.UserID != "alice" || resp.UserID != "alice" {
		t.Errorf("user: claims %q, response %q", claims.UserID, resp.UserID)
	}

	if w := do(h, http.MethodPost, "/api/auth/login", `{"username":"alice"}`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("login without password: status %d, want 400", w.Code)
	}
}

func TestListPeers(t *testing.T) {
	h, presence := newTestAPI(t)
	ctx := context.Background()
	presence.Add(ctx, models.RoleController, "c1")
	presence.Add(ctx, models.RoleSynth, "s2")
	presence.Add(ctx, models.RoleSynth, "s1")

	if w := do(h, http.MethodGet, "/api/peers", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status %d, want 401", w.Code)
	}
	if w := do(h, http.MethodGet, "/api/peers", "", map[string]string{"Authorization": "Bearer nope"}); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status %d, want 401", w.Code)
	}

	token, err := middleware.IssueToken(testSecret, "alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	w := do(h, http.MethodGet, "/api/peers", "", map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body)
	}
	var got PeersResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	want := PeersResponse{Controllers: []string{"c1"}, Synths: []string{"s1", "s2"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("peers (-want, +got):\n%s", diff)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := newTestAPI(t)

	w := do(h, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("health: %d %s", w.Code, w.Body)
	}
	if w := do(h, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusOK {
		t.Errorf("metrics: status %d", w.Code)
	}
}

func TestOriginFilter(t *testing.T) {
	h, _ := newTestAPI(t)

	w := do(h, http.MethodGet, "/health", "", map[string]string{"Origin": "http://evil.example"})
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin: status %d, want 403", w.Code)
	}
	w = do(h, http.MethodOptions, "/health", "", map[string]string{"Origin": "http://localhost:3000"})
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight: status %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin: got %q", got)
	}
}

func TestOriginFilterWildcard(t *testing.T) {
	r := gin.New()
	r.Use(OriginFilter([]string{"*"}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, origin := range []string{"", "http://anywhere.example"} {
		w := do(r, http.MethodGet, "/", "", map[string]string{"Origin": origin})
		if w.Code != http.StatusOK {
			t.Errorf("origin %q: status %d, want 200", origin, w.Code)
		}
	}
}
