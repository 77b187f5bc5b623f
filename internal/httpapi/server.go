package httpapi

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"plantsense/internal/devicekeys"
	"plantsense/internal/fetch"
	"plantsense/internal/middleware"
	"plantsense/internal/model"
	"plantsense/internal/readcache"
	"plantsense/internal/store"
)

type Server struct {
	repo    *store.Repo
	cache   *readcache.Cache
	fetcher *fetch.Service
	sampler *fetch.Sampler
	keys    *devicekeys.Store

	defaultSleepSecs int
	now              func() time.Time
}

type Options struct {
	DefaultSleepSecs int
}

func New(repo *store.Repo, cache *readcache.Cache, fetcher *fetch.Service, sampler *fetch.Sampler, keys *devicekeys.Store, opts Options) *Server {
	sleep := opts.DefaultSleepSecs
	if sleep <= 0 {
		sleep = 60
	}
	return &Server{
		repo:             repo,
		cache:            cache,
		fetcher:          fetcher,
		sampler:          sampler,
		keys:             keys,
		defaultSleepSecs: sleep,
		now:              time.Now,
	}
}

// Handler mounts the public device endpoint and the JWT-protected owner
// endpoints.
func (s *Server) Handler(pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/upload_data", s.handleUpload)

	r.Group(func(r chi.Router) {
		r.Use(middleware.JWTAuthMiddlewareRS256(pubKey))
		r.Get("/user_data", s.handleUserData)
		r.Get("/user_data/historical", s.handleHistorical)
		r.Get("/devices", s.handleDevices)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "plantsense-api",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

type uploadResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	DeviceID      string `json:"device_id"`
	ReadingID     string `json:"reading_id"`
	Timestamp     string `json:"timestamp"`
	SleepDuration int    `json:"sleep_duration"`
	SleepSource   string `json:"sleep_source"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "invalid JSON or empty body")
		return
	}

	deviceID, _ := payload["device_id"].(string)
	apiKey, _ := payload["api_key"].(string)
	if deviceID == "" || apiKey == "" {
		writeError(w, http.StatusBadRequest, "missing device_id or api_key")
		return
	}

	dev, ok := s.keys.Validate(deviceID, apiKey)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid device_id or api_key")
		return
	}

	now := s.now().UTC()
	name := dev.Name
	if name == "" {
		name = deviceID
	}
	reading := model.Reading{
		ID:         uuid.New().String(),
		OwnerID:    dev.OwnerID,
		DeviceID:   deviceID,
		DeviceName: name,
		Timestamp:  model.ParseTimestamp(payload["timestamp"], now),
		ReceivedAt: now,
		Fields:     model.ExtractFields(payload),
	}

	if err := s.repo.Append(r.Context(), &reading); err != nil {
		slog.Error("upload persist failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not persist reading")
		return
	}
	// Keep the read cache warm on the write path. The reading is durable at
	// this point, so cache state can never get ahead of the store.
	s.cache.Put(dev.OwnerID, deviceID, reading)

	sleep, source := s.defaultSleepSecs, "default"
	if dev.SleepDuration > 0 {
		sleep, source = dev.SleepDuration, "manual"
	}
	writeJSON(w, http.StatusCreated, uploadResponse{
		Success:       true,
		Message:       "Data uploaded successfully",
		DeviceID:      deviceID,
		ReadingID:     reading.ID,
		Timestamp:     reading.Timestamp.Format(time.RFC3339),
		SleepDuration: sleep,
		SleepSource:   source,
	})
}

type userDataResponse struct {
	Success       bool            `json:"success"`
	OwnerID       string          `json:"owner_id"`
	TotalReadings int             `json:"total_readings"`
	NewCursor     time.Time       `json:"new_cursor"`
	Readings      []model.Reading `json:"readings"`
	Incremental   bool            `json:"incremental"`
	Cached        bool            `json:"cached"`
}

func (s *Server) handleUserData(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerID(r)

	var cursor *time.Time
	if v := strings.TrimSpace(r.URL.Query().Get("cursor")); v != "" {
		t, err := parseTime(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = &t
	}

	result, err := s.fetcher.Fetch(r.Context(), ownerID, cursor)
	if err != nil {
		slog.Error("user data fetch failed", "owner_id", ownerID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not query readings")
		return
	}

	readings := result.Readings
	if limit := queryInt(r, "limit", 0); limit > 0 && len(readings) > limit {
		readings = readings[:limit]
	}
	if readings == nil {
		readings = []model.Reading{}
	}

	writeJSON(w, http.StatusOK, userDataResponse{
		Success:       true,
		OwnerID:       ownerID,
		TotalReadings: len(readings),
		NewCursor:     result.NewCursor,
		Readings:      readings,
		Incremental:   result.Incremental,
		Cached:        result.Cached,
	})
}

type historicalResponse struct {
	Success        bool            `json:"success"`
	OwnerID        string          `json:"owner_id"`
	HoursRequested int             `json:"hours_requested"`
	TotalReadings  int             `json:"total_readings"`
	Readings       []model.Reading `json:"readings"`
	Cooldown       bool            `json:"cooldown,omitempty"`
	InFlight       bool            `json:"in_flight,omitempty"`
}

func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerID(r)
	hours := queryInt(r, "hours", 0)

	readings, err := s.sampler.Sample(r.Context(), ownerID, hours)
	resp := historicalResponse{
		Success:        true,
		OwnerID:        ownerID,
		HoursRequested: hours,
		Readings:       []model.Reading{},
	}
	switch {
	case err == nil:
		if readings != nil {
			resp.Readings = readings
		}
	case errors.Is(err, fetch.ErrCooldown):
		resp.Cooldown = true
	case errors.Is(err, fetch.ErrSampleInFlight):
		resp.InFlight = true
	default:
		slog.Error("historical sample failed", "owner_id", ownerID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not query history")
		return
	}
	resp.TotalReadings = len(resp.Readings)
	writeJSON(w, http.StatusOK, resp)
}

type devicesResponse struct {
	Success bool               `json:"success"`
	OwnerID string             `json:"owner_id"`
	Devices []model.DeviceInfo `json:"devices"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerID(r)
	devices, err := s.repo.ListDevices(r.Context(), ownerID)
	if err != nil {
		slog.Error("device list failed", "owner_id", ownerID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list devices")
		return
	}
	if devices == nil {
		devices = []model.DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, devicesResponse{Success: true, OwnerID: ownerID, Devices: devices})
}

type jsonErr struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonErr{Error: msg, Code: status})
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, v)
	}
	return t.UTC(), err
}

func queryInt(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
