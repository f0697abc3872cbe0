package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"loanos/internal/config"
	"loanos/internal/db"
	"loanos/internal/engine"
	"loanos/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("test-org"))
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": subject})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func authHeaders(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, "analyst-1")}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type dealEnvelope struct {
	Success bool `json:"success"`
	Data    struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

type errorEnvelope struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func createDeal(t *testing.T, srv *testServer) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/deals", map[string]any{
		"name":         "Facility A",
		"borrower":     "Acme Industries",
		"amount_cents": 100000000,
	}, authHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create deal status %d: %s", res.StatusCode, string(data))
	}
	var env dealEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal deal: %v", err)
	}
	if !env.Success {
		t.Fatalf("success=false on create: %s", string(data))
	}
	if env.Data.Status != "draft" {
		t.Fatalf("new deal status %s, want draft", env.Data.Status)
	}
	return env.Data.ID
}

func TestStatusUpdateHappyPath(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := createDeal(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/deals/"+id+"/status", map[string]any{
		"status": "active",
	}, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status update %d: %s", res.StatusCode, string(data))
	}
	var env dealEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !env.Success || env.Data.Status != "active" {
		t.Fatalf("unexpected response: %s", string(data))
	}
}

func TestStatusUpdateInvalidTransition(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := createDeal(t, srv)
	headers := authHeaders(t)

	for _, status := range []string{"active", "agreed", "closed"} {
		res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/deals/"+id+"/status", map[string]any{"status": status}, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("move to %s: %d %s", status, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/deals/"+id+"/status", map[string]any{"status": "active"}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Success {
		t.Errorf("success should be false")
	}
	if env.Error.Code != "INVALID_TRANSITION" {
		t.Errorf("code = %s, want INVALID_TRANSITION", env.Error.Code)
	}
	if env.Error.Message != "Cannot transition from 'closed' to 'active'" {
		t.Errorf("message = %q", env.Error.Message)
	}
}

func TestStatusUpdateConflictEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := createDeal(t, srv)

	// Flip the row between the handler's status read and its conditional
	// write. The engine reads the clock inside that window.
	flipped := false
	srv.engine.Now = func() time.Time {
		if !flipped {
			flipped = true
			srv.engine.DB.Exec(`UPDATE deals SET status='terminated' WHERE id=?`, id)
		}
		return time.Now().UTC()
	}

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/deals/"+id+"/status", map[string]any{"status": "active"}, authHeaders(t))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Success {
		t.Errorf("success should be false")
	}
	if env.Error.Code != "CONFLICT" {
		t.Errorf("code = %s, want CONFLICT", env.Error.Code)
	}
}

func TestStatusUpdateUnknownStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := createDeal(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/deals/"+id+"/status", map[string]any{"status": "archived"}, authHeaders(t))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("code = %s, want VALIDATION_ERROR", env.Error.Code)
	}
}

func TestStatusUpdateUnknownDeal(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/deals/nope/status", map[string]any{"status": "active"}, authHeaders(t))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "NOT_FOUND" {
		t.Errorf("code = %s, want NOT_FOUND", env.Error.Code)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/deals", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Code != "UNAUTHORIZED" {
		t.Errorf("code = %s, want UNAUTHORIZED", env.Error.Code)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/deals", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", res.StatusCode)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	var env struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Data["status"] != "ok" {
		t.Errorf("status = %s, want ok", env.Data["status"])
	}
	if env.Data["schema_version"] == "" || env.Data["schema_version"] == "0" {
		t.Errorf("schema_version = %q, want applied version", env.Data["schema_version"])
	}
}

func TestTransitionsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := createDeal(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/deals/"+id+"/transitions", nil, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transitions: %d %s", res.StatusCode, string(data))
	}
	var env struct {
		Success bool            `json:"success"`
		Data    TransitionsData `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Data.CurrentStatus != "draft" {
		t.Errorf("current = %s, want draft", env.Data.CurrentStatus)
	}
	want := map[string]bool{"active": true, "terminated": true}
	if len(env.Data.Allowed) != 2 || !want[env.Data.Allowed[0]] || !want[env.Data.Allowed[1]] {
		t.Errorf("allowed = %v, want active+terminated", env.Data.Allowed)
	}
}

func TestActivityEndpointRecordsStatusChange(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := createDeal(t, srv)
	headers := authHeaders(t)

	if res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/deals/"+id+"/status", map[string]any{"status": "active"}, headers); res.StatusCode != http.StatusOK {
		t.Fatalf("status update: %d %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/deals/"+id+"/activity", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activity: %d %s", res.StatusCode, string(data))
	}
	var env struct {
		Success bool             `json:"success"`
		Data    ActivityListData `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(env.Data.Items) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(env.Data.Items))
	}
	if env.Data.Items[0].Type != "status_changed" {
		t.Errorf("latest type = %s, want status_changed", env.Data.Items[0].Type)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeaders(t)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{"name": "ci"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var env struct {
		Success bool              `json:"success"`
		Data    APIKeyCreatedData `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Data.Key == "" {
		t.Fatal("plaintext key missing from create response")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": env.Data.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", res.StatusCode, string(data))
	}
	var me struct {
		Success bool   `json:"success"`
		Data    MeData `json:"data"`
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.Data.UserID != "analyst-1" || me.Data.Source != "api_key" {
		t.Errorf("me = %+v", me.Data)
	}
}

func TestDealListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeaders(t)
	for i := 0; i < 3; i++ {
		createDeal(t, srv)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/deals?limit=2", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var env struct {
		Success bool         `json:"success"`
		Data    DealListData `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(env.Data.Items) != 2 {
		t.Fatalf("page 1 size = %d, want 2", len(env.Data.Items))
	}
	if env.Data.NextCursor == "" {
		t.Fatal("expected next_cursor on first page")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/deals?limit=2&cursor="+env.Data.NextCursor, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("page 2: %d %s", res.StatusCode, string(data))
	}
	var page2 struct {
		Success bool         `json:"success"`
		Data    DealListData `json:"data"`
	}
	if err := json.Unmarshal(data, &page2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page2.Data.Items) != 1 {
		t.Errorf("page 2 size = %d, want 1", len(page2.Data.Items))
	}
}
