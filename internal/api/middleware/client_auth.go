package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/correlator-io/reconciler/internal/storage"
)

// publicEndpoints bypass authentication. Only health and metrics endpoints
// belong here.
var publicEndpoints sync.Map //nolint: gochecknoglobals

// RegisterPublicEndpoint lets requests for path skip authentication.
// Call it only while registering health or metrics routes.
func RegisterPublicEndpoint(path string) {
	publicEndpoints.Store(path, true)
}

// IsPublicEndpoint reports whether path bypasses authentication.
func IsPublicEndpoint(path string) bool {
	_, ok := publicEndpoints.Load(path)

	return ok
}

// AuthError is an authentication or authorization failure.
type AuthError struct {
	Type    error
	Message string
}

// Authentication error types.
var (
	// ErrMissingAPIKey is returned when no API key is provided in headers.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidAPIKey covers malformed and unknown keys alike.
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrAPIKeyExpired is returned when the API key has expired.
	ErrAPIKeyExpired = errors.New("API key expired")

	// ErrAPIKeyInactive is returned when the API key is inactive.
	ErrAPIKeyInactive = errors.New("API key inactive")

	// ErrPermissionDenied is returned when the client lacks a route's permission.
	ErrPermissionDenied = errors.New("permission denied")
)

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap exposes the error type to errors.Is.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// extractAPIKey reads X-Api-Key, falling back to Authorization: Bearer.
// Keys containing CR or LF are rejected.
func extractAPIKey(r *http.Request) (string, bool) {
	key := r.Header.Get("X-Api-Key")
	if key == "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			return "", false
		}

		key = strings.TrimPrefix(auth, "Bearer ")
	}

	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)

	return key, key != ""
}

// burnCompare spends a bcrypt comparison so failed lookups are not
// distinguishable by latency.
func burnCompare() {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))
}

func authenticateRequest(
	ctx context.Context,
	store storage.APIKeyStore,
	apiKey string,
	logger *slog.Logger,
) (*storage.APIKey, error) {
	correlationID := GetCorrelationID(ctx)

	parsed, err := storage.ParseAPIKey(apiKey)
	if err != nil {
		burnCompare()

		logger.Error("authentication failed: invalid key format",
			slog.String("error", err.Error()),
			slog.String("correlation_id", correlationID),
			slog.String("failure_type", "format_validation"),
		)

		return nil, &AuthError{Type: ErrInvalidAPIKey, Message: "Invalid or missing API key"}
	}

	found, exists := store.FindByKey(ctx, parsed)
	if !exists {
		burnCompare()

		logger.Error("authentication failed: key not found",
			slog.String("correlation_id", correlationID),
			slog.String("failure_type", "key_not_found"),
		)

		return nil, &AuthError{Type: ErrInvalidAPIKey, Message: "Invalid or missing API key"}
	}

	if !found.Active {
		logger.Error("authentication failed: key inactive",
			slog.String("key_id", found.ID),
			slog.String("client_id", found.ClientID),
			slog.String("correlation_id", correlationID),
			slog.String("failure_type", "key_inactive"),
		)

		return nil, &AuthError{Type: ErrAPIKeyInactive, Message: "API key is inactive"}
	}

	if found.ExpiresAt != nil && time.Now().After(*found.ExpiresAt) {
		logger.Error("authentication failed: key expired",
			slog.String("key_id", found.ID),
			slog.String("client_id", found.ClientID),
			slog.Time("expired_at", *found.ExpiresAt),
			slog.String("correlation_id", correlationID),
			slog.String("failure_type", "key_expired"),
		)

		return nil, &AuthError{Type: ErrAPIKeyExpired, Message: "API key has expired"}
	}

	return found, nil
}

// Authenticate validates the request's API key and stores a ClientContext
// in the request context. Public endpoints pass through untouched.
func Authenticate(store storage.APIKeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			start := time.Now()

			apiKey, found := extractAPIKey(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{Type: ErrMissingAPIKey, Message: "Missing API key"})

				return
			}

			key, err := authenticateRequest(r.Context(), store, apiKey, logger)
			if err != nil {
				writeAuthError(w, r, logger, err)

				return
			}

			client := ClientContext{
				ClientID:    key.ClientID,
				Name:        key.Name,
				Permissions: key.Permissions,
				KeyID:       key.ID,
				AuthTime:    time.Now(),
			}

			logger.Debug("API key authenticated",
				slog.String("client_id", client.ClientID),
				slog.String("key_id", client.KeyID),
				slog.String("key", storage.MaskKey(apiKey)),
				slog.Duration("auth_latency", time.Since(start)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(SetClientContext(r.Context(), client)))
		})
	}
}

// RequirePermission rejects authenticated clients lacking permission with
// 403. Requests without a client context pass, which is the case when
// authentication is disabled.
func RequirePermission(permission string, logger *slog.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, ok := GetClientContext(r.Context())
		if ok && !client.Can(permission) {
			writeAuthError(w, r, logger, &AuthError{
				Type:    ErrPermissionDenied,
				Message: fmt.Sprintf("client %q lacks %q", client.ClientID, permission),
			})

			return
		}

		next(w, r)
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := http.StatusUnauthorized
	if errors.Is(err, ErrAPIKeyInactive) || errors.Is(err, ErrPermissionDenied) {
		status = http.StatusForbidden
	}

	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", GetCorrelationID(r.Context())),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	writeProblem(w, r, logger, status, err.Error())
}

// writeProblem writes an RFC 7807 document without importing the api package.
func writeProblem(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, detail string) {
	correlationID := GetCorrelationID(r.Context())

	problem := map[string]any{
		"type":          fmt.Sprintf("https://correlator.io/problems/%d", status),
		"title":         http.StatusText(status),
		"status":        status,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("failed to write problem response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("detail", detail),
			slog.Any("error", err),
		)
	}
}
