// Package devserver is an in-memory MDM server for local development and tests.
// It implements the device endpoints the agent uses plus a small admin surface
// for queueing commands.
package devserver

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulsemdm/internal/mdm"
)

const (
	maxRequestBody = 1024 * 1024 // 1MB limit
	maxFieldLength = 255
	slowRequest    = 1 * time.Second
)

// Command lifecycle states.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
)

// Device is the server's view of an enrolled device.
type Device struct {
	EnrolledAt    time.Time      `json:"enrolledAt"`
	LastSeen      time.Time      `json:"lastSeen"`
	LastHeartbeat mdm.Heartbeat  `json:"lastHeartbeat"`
	Info          mdm.DeviceInfo `json:"info"`
	AgentVersion  string         `json:"agentVersion"`
	InstallPath   string         `json:"agentInstallPath"`
	Heartbeats    int            `json:"heartbeats"`
}

// CommandRecord tracks one queued command through pending, sent, and a final status.
type CommandRecord struct {
	mdm.Command

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	DeviceID  string    `json:"deviceId"`
	Status    string    `json:"status"`
	Output    string    `json:"output,omitempty"`
}

// Report is a command result as received from an agent.
type Report struct {
	CommandID string
	Result    mdm.CommandResult
}

// Request is one request seen by the server.
type Request struct {
	Method string
	Path   string
	Status int
}

// Server holds all state in memory. It is safe for concurrent use.
type Server struct {
	logger        *slog.Logger
	enrollmentKey string
	createdStatus bool

	mu              sync.RWMutex
	devices         map[string]*Device
	commands        map[string]*CommandRecord
	queue           []string // command ids in creation order
	reports         []Report
	requests        []Request
	enrollStatus    int
	heartbeatStatus int
	errorCount      int64
}

// Option configures a Server.
type Option func(*Server)

// WithEnrollmentKey rejects enrollments that do not present key.
func WithEnrollmentKey(key string) Option {
	return func(s *Server) { s.enrollmentKey = key }
}

// WithCreatedStatus answers 201 for the first enrollment of a device, as the
// hosted platform does. Repeat enrollments still answer 200.
func WithCreatedStatus() Option {
	return func(s *Server) { s.createdStatus = true }
}

// New returns an empty server.
func New(logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		logger:   logger,
		devices:  make(map[string]*Device),
		commands: make(map[string]*CommandRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP API rooted at "/". Mount it under the API prefix
// (e.g. /api) with http.StripPrefix.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mdm/enroll", s.handleEnroll)
	mux.HandleFunc("POST /mdm/devices/{deviceID}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /mdm/devices/{deviceID}/commands/pending", s.handlePending)
	mux.HandleFunc("PUT /mdm/commands/{commandID}/status", s.handleStatus)
	mux.HandleFunc("POST /mdm/devices/{deviceID}/commands", s.handleCreateCommand)
	mux.HandleFunc("GET /mdm/devices/{deviceID}/commands", s.handleListCommands)
	mux.HandleFunc("GET /mdm/devices", s.handleDevices)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.loggingMiddleware(mux)
}

// SetEnrollStatus forces the enroll endpoint to answer with code. Zero restores normal behavior.
func (s *Server) SetEnrollStatus(code int) {
	s.mu.Lock()
	s.enrollStatus = code
	s.mu.Unlock()
}

// SetHeartbeatStatus forces the heartbeat endpoint to answer with code. Zero restores normal behavior.
func (s *Server) SetHeartbeatStatus(code int) {
	s.mu.Lock()
	s.heartbeatStatus = code
	s.mu.Unlock()
}

// Enqueue queues a command for deviceID and returns it with a fresh id.
func (s *Server) Enqueue(deviceID, commandType, command string) mdm.Command {
	cmd := mdm.Command{ID: uuid.NewString(), CommandType: commandType, Command: command}
	s.EnqueueCommand(deviceID, cmd)
	return cmd
}

// EnqueueCommand queues cmd as given, including its id.
func (s *Server) EnqueueCommand(deviceID string, cmd mdm.Command) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[cmd.ID] = &CommandRecord{
		Command:   cmd,
		CreatedAt: now,
		UpdatedAt: now,
		DeviceID:  deviceID,
		Status:    StatusPending,
	}
	s.queue = append(s.queue, cmd.ID)
}

// Device returns a copy of the device with id.
func (s *Server) Device(id string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Devices returns copies of all enrolled devices ordered by enrollment time.
func (s *Server) Devices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, *d)
	}
	slices.SortFunc(devices, func(a, b Device) int { return a.EnrolledAt.Compare(b.EnrolledAt) })
	return devices
}

// Command returns a copy of the command record with id.
func (s *Server) Command(id string) (CommandRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[id]
	if !ok {
		return CommandRecord{}, false
	}
	return *c, true
}

// Reports returns every result received, in arrival order.
func (s *Server) Reports() []Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.reports)
}

// Requests returns every request handled, in arrival order.
func (s *Server) Requests() []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.requests)
}

// CountRequests returns how many requests matched method and path.
// A "{}" segment in path matches any single segment.
func (s *Server) CountRequests(method, pattern string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && matchPath(pattern, r.Path) {
			n++
		}
	}
	return n
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	forced := s.enrollStatus
	s.mu.RUnlock()
	if forced != 0 {
		s.writeError(w, forced, "enrollment unavailable")
		return
	}

	var req mdm.EnrollRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.DeviceID == "" || req.DeviceName == "" {
		s.writeError(w, http.StatusBadRequest, "deviceId and deviceName are required")
		return
	}
	if len(req.DeviceID) > maxFieldLength || len(req.DeviceName) > maxFieldLength {
		s.writeError(w, http.StatusBadRequest, "field too long")
		return
	}
	if s.enrollmentKey != "" && !constantTimeCompare(req.EnrollmentKey, s.enrollmentKey) {
		s.logger.Warn("invalid enrollment key", "remote", r.RemoteAddr, "device", req.DeviceID)
		s.writeError(w, http.StatusBadRequest, "Invalid enrollment key")
		return
	}

	now := time.Now()
	s.mu.Lock()
	d, existing := s.devices[req.DeviceID]
	if !existing {
		d = &Device{EnrolledAt: now}
		s.devices[req.DeviceID] = d
	}
	d.Info = req.DeviceInfo
	d.AgentVersion = req.AgentVersion
	d.InstallPath = req.AgentInstallPath
	d.LastSeen = now
	device := *d
	s.mu.Unlock()

	code := http.StatusOK
	if !existing && s.createdStatus {
		code = http.StatusCreated
	}
	s.logger.Info("device enrolled", "device", req.DeviceID, "name", req.DeviceName, "re_enrolled", existing)
	s.writeJSON(w, code, device)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("deviceID")

	s.mu.RLock()
	forced := s.heartbeatStatus
	s.mu.RUnlock()
	if forced != 0 {
		s.writeError(w, forced, "heartbeat unavailable")
		return
	}

	var hb mdm.Heartbeat
	if !s.decode(w, r, &hb) {
		return
	}

	s.mu.Lock()
	d, ok := s.devices[id]
	if ok {
		d.LastHeartbeat = hb
		d.LastSeen = time.Now()
		d.Heartbeats++
		if hb.IPAddress != "" {
			d.Info.IPAddress = hb.IPAddress
		}
	}
	s.mu.Unlock()

	if !ok {
		s.writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handlePending returns pending commands in creation order and marks them sent,
// so each command is delivered at most once.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("deviceID")
	now := time.Now()

	s.mu.Lock()
	_, known := s.devices[id]
	pending := []mdm.Command{}
	if known {
		for _, cid := range s.queue {
			c := s.commands[cid]
			if c.DeviceID != id || c.Status != StatusPending {
				continue
			}
			c.Status = StatusSent
			c.UpdatedAt = now
			pending = append(pending, c.Command)
		}
	}
	s.mu.Unlock()

	if !known {
		s.writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	if len(pending) > 0 {
		s.logger.Info("commands delivered", "device", id, "count", len(pending))
	}
	s.writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("commandID")

	var result mdm.CommandResult
	if !s.decode(w, r, &result) {
		return
	}
	if result.Status != mdm.StatusCompleted && result.Status != mdm.StatusFailed {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", result.Status))
		return
	}

	s.mu.Lock()
	c, ok := s.commands[id]
	if ok {
		c.Status = result.Status
		c.Output = result.Output
		c.UpdatedAt = time.Now()
		s.reports = append(s.reports, Report{CommandID: id, Result: result})
	}
	var record CommandRecord
	if ok {
		record = *c
	}
	s.mu.Unlock()

	if !ok {
		s.writeError(w, http.StatusNotFound, "Command not found")
		return
	}
	s.logger.Info("command result received", "command", id, "status", result.Status)
	s.writeJSON(w, http.StatusOK, record)
}

type createCommandRequest struct {
	CommandType string `json:"commandType"`
	Command     string `json:"command,omitempty"`
}

var validCommandTypes = []string{"lock", "unlock", "shutdown", "restart", "wake", "custom"}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("deviceID")

	var req createCommandRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !slices.Contains(validCommandTypes, req.CommandType) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid commandType %q", req.CommandType))
		return
	}
	if req.CommandType == mdm.TypeCustom && req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "command is required for custom commands")
		return
	}
	if _, ok := s.Device(id); !ok {
		s.writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	cmd := s.Enqueue(id, req.CommandType, req.Command)
	record, _ := s.Command(cmd.ID)
	s.logger.Info("command queued", "device", id, "command", cmd.ID, "type", cmd.CommandType)
	s.writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("deviceID")
	if _, ok := s.Device(id); !ok {
		s.writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	s.mu.RLock()
	records := []CommandRecord{}
	for _, cid := range s.queue {
		if c := s.commands[cid]; c.DeviceID == id {
			records = append(records, *c)
		}
	}
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Devices())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	deviceCount := len(s.devices)
	requestCount := len(s.requests)
	errorCount := s.errorCount
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"devices":  deviceCount,
		"requests": requestCount,
		"errors":   errorCount,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.logger.Warn("failed to decode request", "remote", r.RemoteAddr, "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("error writing response", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Status: rec.status})
		s.mu.Unlock()

		if duration > slowRequest {
			s.logger.Warn("slow request", "remote", r.RemoteAddr, "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", duration)
		} else {
			s.logger.Debug("request", "remote", r.RemoteAddr, "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", duration)
		}
	})
}

func constantTimeCompare(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func matchPath(pattern, path string) bool {
	ps := splitPath(pattern)
	xs := splitPath(path)
	if len(ps) != len(xs) {
		return false
	}
	for i := range ps {
		if ps[i] != "{}" && ps[i] != xs[i] {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
}
