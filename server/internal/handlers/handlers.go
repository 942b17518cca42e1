package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/zhaobenny/ccpulse/internal/pricing"
	"github.com/zhaobenny/ccpulse/server/internal/auth"
	"github.com/zhaobenny/ccpulse/server/internal/database"
	"github.com/zhaobenny/ccpulse/server/internal/ingest"
	"github.com/zhaobenny/ccpulse/server/internal/middleware"
	"github.com/zhaobenny/ccpulse/server/internal/stats"
)

const (
	// DefaultWindow is the stats window when from is omitted
	DefaultWindow = 7 * 24 * time.Hour

	// maxReportBody bounds a report request; MaxBatch records fit well within it
	maxReportBody = 16 << 20
)

// Options holds dependencies for HTTP handlers
type Options struct {
	DB      *database.DB
	Ingest  *ingest.Service
	Pricing *pricing.Resolver
	// SessionMgr and PasswordHash enable the dashboard login; without
	// them statistics are served without a session
	SessionMgr   *scs.SessionManager
	PasswordHash string
	Seen         *SeenDebouncer
	Logger       *zap.Logger
	Now          func() time.Time
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	db           *database.DB
	ingest       *ingest.Service
	pricing      *pricing.Resolver
	sessionMgr   *scs.SessionManager
	passwordHash string
	seen         *SeenDebouncer
	logger       *zap.Logger
	now          func() time.Time
}

// New creates a new Handler
func New(opts Options) *Handler {
	h := &Handler{
		db:           opts.DB,
		ingest:       opts.Ingest,
		pricing:      opts.Pricing,
		sessionMgr:   opts.SessionMgr,
		passwordHash: opts.PasswordHash,
		seen:         opts.Seen,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.ingest == nil {
		h.ingest = ingest.NewService(h.db, h.logger)
	}
	return h
}

// SessionsEnabled reports whether the dashboard login is configured
func (h *Handler) SessionsEnabled() bool {
	return h.sessionMgr != nil && h.passwordHash != ""
}

// Routes wires every endpoint behind the shared middleware. Limiters
// may be nil.
func (h *Handler) Routes(reportLimiter, loginLimiter *middleware.IPRateLimiter) http.Handler {
	var sessions *scs.SessionManager
	if h.SessionsEnabled() {
		sessions = h.sessionMgr
	}
	authMiddleware := auth.NewMiddleware(h.db, sessions, h.logger)

	limit := func(rl *middleware.IPRateLimiter, next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return rl.Limit(next)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.Health)
	mux.Handle("POST /api/usage/report", limit(reportLimiter, authMiddleware.RequireAPIKey(http.HandlerFunc(h.Report))))
	mux.Handle("GET /api/usage/stats", authMiddleware.RequireSession(http.HandlerFunc(h.Stats)))
	mux.Handle("POST /api/login", limit(loginLimiter, http.HandlerFunc(h.Login)))
	mux.HandleFunc("POST /api/logout", h.Logout)

	var handler http.Handler = mux
	if sessions != nil {
		handler = sessions.LoadAndSave(handler)
	}
	handler = middleware.SecurityHeaders(handler)
	return middleware.RequestLogger(h.logger)(handler)
}

// ReportRequest is the body of a usage report. Records are decoded one by
// one so that a single bad record cannot fail the whole request.
type ReportRequest struct {
	Records []json.RawMessage `json:"records"`
}

// ReportResponse represents the report API response
type ReportResponse struct {
	Success bool `json:"success"`
	ingest.Result
}

// Report stores a batch of usage records for the authenticated device
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	device := auth.GetDevice(r.Context())
	if device == nil {
		h.jsonError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req ReportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBody)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.jsonError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if len(req.Records) == 0 {
		h.jsonError(w, "records must be a non-empty array", http.StatusBadRequest)
		return
	}
	if len(req.Records) > ingest.MaxBatch {
		h.jsonError(w, "too many records in one request", http.StatusRequestEntityTooLarge)
		return
	}

	res, err := h.ingest.Ingest(r.Context(), device.Name, req.Records)
	if err != nil {
		h.logger.Error("ingest failed",
			zap.String("device", device.Name),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "Failed to store records", http.StatusInternalServerError)
		return
	}

	if h.seen != nil {
		h.seen.Schedule(device.ID, h.now())
	} else if err := h.db.TouchDevice(r.Context(), device.ID, h.now()); err != nil {
		h.logger.Warn("failed to record device last seen", zap.String("device", device.Name), zap.Error(err))
	}

	h.writeJSON(w, http.StatusOK, ReportResponse{Success: true, Result: res})
}

func parseUnix(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := cast.ToInt64E(s)
	return n, err == nil
}

// parseDevices splits a csv device selector, dropping blanks
func parseDevices(s string) []string {
	return lo.Uniq(lo.Compact(lo.Map(strings.Split(s, ","), func(d string, _ int) string {
		return strings.TrimSpace(d)
	})))
}

// Stats returns aggregated statistics for a window
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	to := h.now().Unix()
	if v := params.Get("to"); v != "" {
		n, ok := parseUnix(v)
		if !ok {
			h.jsonError(w, "to must be a unix timestamp", http.StatusBadRequest)
			return
		}
		to = n
	}
	from := max(to-int64(DefaultWindow/time.Second), stats.MinTimestamp)
	if v := params.Get("from"); v != "" {
		n, ok := parseUnix(v)
		if !ok {
			h.jsonError(w, "from must be a unix timestamp", http.StatusBadRequest)
			return
		}
		from = n
	}
	if from < stats.MinTimestamp || to > stats.MaxTimestamp {
		h.jsonError(w, stats.ErrWindowRange.Error(), http.StatusBadRequest)
		return
	}
	if from > to {
		h.jsonError(w, "from must not be after to", http.StatusBadRequest)
		return
	}

	q := stats.Query{
		From:     from,
		To:       to,
		Interval: params.Get("interval"),
		Devices:  parseDevices(params.Get("devices")),
	}
	ctx := r.Context()
	records, err := h.db.QueryUsage(ctx, from, to)
	if err != nil {
		h.logger.Error("stats query failed", zap.Error(err))
		h.jsonError(w, "Failed to load usage", http.StatusInternalServerError)
		return
	}
	q.KnownDevices, err = h.db.DeviceNames(ctx)
	if err != nil {
		h.logger.Error("device list failed", zap.Error(err))
		h.jsonError(w, "Failed to load usage", http.StatusInternalServerError)
		return
	}

	var coster stats.Coster = pricing.Offline()
	if h.pricing != nil {
		coster = h.pricing.Snapshot(ctx)
	}

	res, err := stats.Compute(records, q, coster)
	switch {
	case errors.Is(err, stats.ErrInvalidInterval),
		errors.Is(err, stats.ErrInvalidWindow),
		errors.Is(err, stats.ErrTooManyBuckets):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Error("stats computation failed", zap.Error(err))
		h.jsonError(w, "Failed to compute statistics", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

// LoginRequest is the body of a dashboard login
type LoginRequest struct {
	Password string `json:"password"`
}

// Login starts a dashboard session
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.SessionsEnabled() {
		h.jsonError(w, "Dashboard login is not configured", http.StatusNotFound)
		return
	}

	var req LoginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.jsonError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			h.jsonError(w, "Invalid form data", http.StatusBadRequest)
			return
		}
		req.Password = r.FormValue("password")
	}

	if req.Password == "" {
		h.jsonError(w, "Password is required", http.StatusBadRequest)
		return
	}
	if !auth.CheckPassword(req.Password, h.passwordHash) {
		h.logger.Warn("failed dashboard login", zap.String("ip", middleware.ClientIP(r)))
		h.jsonError(w, "Invalid password", http.StatusUnauthorized)
		return
	}

	// New token on privilege change
	if err := h.sessionMgr.RenewToken(r.Context()); err != nil {
		h.jsonError(w, "An error occurred", http.StatusInternalServerError)
		return
	}
	h.sessionMgr.Put(r.Context(), auth.SessionKey, true)
	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Logout ends the dashboard session
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if h.SessionsEnabled() {
		if err := h.sessionMgr.Destroy(r.Context()); err != nil {
			h.jsonError(w, "An error occurred", http.StatusInternalServerError)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Health handles the health check endpoint
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	// Check database connectivity
	if err := h.db.PingContext(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": "database unavailable"})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]any{"success": false, "error": message})
}
