package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhaobenny/ccpulse/server/internal/database"
)

// APIKeyPrefix marks keys issued by this server
const APIKeyPrefix = "ccp_"

// SessionKey is set in the session after a successful dashboard login
const SessionKey = "authenticated"

type contextKey string

const deviceKey contextKey = "device"

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a password with a hash
func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// GenerateAPIKey generates a random API key
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(bytes), nil
}

// HashAPIKey returns the stored form of an API key. Keys are high-entropy
// random strings so a plain digest is enough for lookup.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Middleware authenticates devices by API key and dashboard readers by session
type Middleware struct {
	db         *database.DB
	sessionMgr *scs.SessionManager
	logger     *zap.Logger
}

// NewMiddleware creates a new auth middleware. A nil session manager
// leaves session-protected routes open.
func NewMiddleware(db *database.DB, sessionMgr *scs.SessionManager, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		db:         db,
		sessionMgr: sessionMgr,
		logger:     logger,
	}
}

func apiKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// RequireAPIKey rejects requests without a key belonging to a registered
// device and stores the device in the request context
func (m *Middleware) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := apiKeyFromRequest(r)
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}

		device, err := m.db.GetDeviceByKeyHash(r.Context(), HashAPIKey(apiKey))
		if err != nil {
			m.logger.Error("device lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if device == nil {
			m.logger.Warn("rejected unknown API key", zap.String("remote", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), deviceKey, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession rejects requests without a logged-in dashboard session
func (m *Middleware) RequireSession(next http.Handler) http.Handler {
	if m.sessionMgr == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.sessionMgr.GetBool(r.Context(), SessionKey) {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetDevice returns the authenticated device from context
func GetDevice(ctx context.Context) *database.Device {
	if device, ok := ctx.Value(deviceKey).(*database.Device); ok {
		return device
	}
	return nil
}

// WithDevice returns a context carrying device
func WithDevice(ctx context.Context, device *database.Device) context.Context {
	return context.WithValue(ctx, deviceKey, device)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
