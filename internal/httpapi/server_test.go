package httpapi

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"plantsense/internal/devicekeys"
	"plantsense/internal/fetch"
	"plantsense/internal/readcache"
	"plantsense/internal/store"
)

type testEnv struct {
	handler http.Handler
	repo    *store.Repo
	token   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := "file:httpapi_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cache := readcache.New(5*time.Minute, 200)
	fetcher := fetch.NewService(repo, cache, 120, 1000)
	sampler := fetch.NewSampler(repo, time.Hour, 168, 336)
	keys := devicekeys.NewStatic(map[string]devicekeys.Device{
		"esp32_001": {APIKey: "secret-key", OwnerID: "alice", Name: "Balcony", SleepDuration: 300},
		"esp32_002": {APIKey: "other-key", OwnerID: "alice"},
	})

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	claims := jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	srv := New(repo, cache, fetcher, sampler, keys, Options{DefaultSleepSecs: 60})
	return &testEnv{handler: srv.Handler(&priv.PublicKey), repo: repo, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUploadRejectsBadKey(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/upload_data", map[string]any{
		"device_id": "esp32_001", "api_key": "wrong", "temperature": 20.0,
	}, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad key: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = env.do(t, http.MethodPost, "/upload_data", map[string]any{"temperature": 20.0}, false)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing credentials: status = %d", rec.Code)
	}
}

func TestUploadPersistsAndAnswersSleep(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/upload_data", map[string]any{
		"device_id":   "esp32_001",
		"api_key":     "secret-key",
		"temperature": 23.5,
		"uv_light":    2.0,
	}, false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp uploadResponse
	decodeBody(t, rec, &resp)
	if !resp.Success || resp.ReadingID == "" {
		t.Fatalf("bad response: %+v", resp)
	}
	if resp.SleepDuration != 300 || resp.SleepSource != "manual" {
		t.Fatalf("expected configured sleep, got %d %q", resp.SleepDuration, resp.SleepSource)
	}

	// Device without a configured sleep falls back to the default.
	rec = env.do(t, http.MethodPost, "/upload_data", map[string]any{
		"device_id": "esp32_002", "api_key": "other-key", "humidity": 50.0,
	}, false)
	decodeBody(t, rec, &resp)
	if resp.SleepDuration != 60 || resp.SleepSource != "default" {
		t.Fatalf("expected default sleep, got %d %q", resp.SleepDuration, resp.SleepSource)
	}
}

func TestUserDataRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/user_data", nil, false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUserDataColdThenIncremental(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/upload_data", map[string]any{
		"device_id": "esp32_001", "api_key": "secret-key", "temperature": 21.0,
	}, false)

	rec := env.do(t, http.MethodGet, "/user_data", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("cold fetch: status = %d, body %s", rec.Code, rec.Body)
	}
	var cold userDataResponse
	decodeBody(t, rec, &cold)
	if cold.TotalReadings != 1 || cold.Incremental {
		t.Fatalf("cold page wrong: %+v", cold)
	}
	if cold.Readings[0].Fields["temperature"] != 21.0 {
		t.Fatalf("fields lost: %+v", cold.Readings[0])
	}
	if cold.NewCursor.IsZero() {
		t.Fatalf("expected a cursor")
	}

	// Nothing new since the cursor: empty incremental page, still a success.
	rec = env.do(t, http.MethodGet, "/user_data?cursor="+cold.NewCursor.Format(time.RFC3339Nano), nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("incremental fetch: status = %d", rec.Code)
	}
	var inc userDataResponse
	decodeBody(t, rec, &inc)
	if !inc.Incremental || inc.TotalReadings != 0 {
		t.Fatalf("incremental page wrong: %+v", inc)
	}

	// New upload, same cursor: exactly the delta comes back.
	env.do(t, http.MethodPost, "/upload_data", map[string]any{
		"device_id": "esp32_002", "api_key": "other-key", "humidity": 48.0,
	}, false)
	rec = env.do(t, http.MethodGet, "/user_data?cursor="+cold.NewCursor.Format(time.RFC3339Nano), nil, true)
	decodeBody(t, rec, &inc)
	if inc.TotalReadings != 1 || inc.Readings[0].DeviceID != "esp32_002" {
		t.Fatalf("expected the new reading only, got %+v", inc)
	}
}

func TestUserDataBadCursor(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/user_data?cursor=yesterday", nil, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHistoricalCooldownResponse(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/user_data/historical", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("first sample: status = %d, body %s", rec.Code, rec.Body)
	}
	var first historicalResponse
	decodeBody(t, rec, &first)
	if !first.Success || first.Cooldown {
		t.Fatalf("first sample should run: %+v", first)
	}

	// The store is empty, so nothing was memoized and the immediate retry
	// lands in the cooldown window.
	rec = env.do(t, http.MethodGet, "/user_data/historical", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("second sample: status = %d", rec.Code)
	}
	var second historicalResponse
	decodeBody(t, rec, &second)
	if !second.Cooldown {
		t.Fatalf("expected cooldown flag, got %+v", second)
	}
}

func TestDevicesEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/upload_data", map[string]any{
		"device_id": "esp32_001", "api_key": "secret-key", "temperature": 20.0,
	}, false)

	rec := env.do(t, http.MethodGet, "/devices", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp devicesResponse
	decodeBody(t, rec, &resp)
	if len(resp.Devices) != 1 || resp.Devices[0].DeviceID != "esp32_001" {
		t.Fatalf("devices wrong: %+v", resp)
	}
}
