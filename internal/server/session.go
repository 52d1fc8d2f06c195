package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"speechlab/pkg/cache"

	"github.com/google/uuid"
)

const (
	sessionCookieName = "speechlab_session"
	sessionTTL        = 30 * 24 * time.Hour
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore resolves opaque session tokens to user IDs
type SessionStore interface {
	UserIDForToken(ctx context.Context, token string) (string, error)
	Issue(ctx context.Context, userID string) (string, error)
}

// RedisSessionStore keeps sessions in Redis so both server replicas and
// restarts see the same sessions.
type RedisSessionStore struct {
	cache cache.Cache
}

func NewRedisSessionStore(c cache.Cache) *RedisSessionStore {
	return &RedisSessionStore{cache: c}
}

func (s *RedisSessionStore) UserIDForToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.cache.Get(ctx, cache.SessionCacheKey(token), &userID)
	if errors.Is(err, cache.ErrCacheMiss) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *RedisSessionStore) Issue(ctx context.Context, userID string) (string, error) {
	token := uuid.NewString()
	if err := s.cache.SetWithTTL(ctx, cache.SessionCacheKey(token), userID, sessionTTL); err != nil {
		return "", err
	}
	return token, nil
}

type contextKey string

const userIDKey contextKey = "userID"

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// handleCreateSession issues an anonymous session. The browser client calls
// this once and keeps the token; recordings are scoped to it.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID := uuid.NewString()
	token, err := s.sessions.Issue(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Could not create a session. Please try again.")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"token":   token,
		"user_id": userID,
	})
}

// requireSession resolves the bearer or cookie token and stores the user ID
// in the request context. Unauthenticated requests never reach the handlers.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			if c, err := r.Cookie(sessionCookieName); err == nil {
				token = c.Value
			}
		}
		if token == "" {
			respondError(w, http.StatusUnauthorized, "Authentication required")
			return
		}

		userID, err := s.sessions.UserIDForToken(r.Context(), token)
		if errors.Is(err, ErrSessionNotFound) {
			respondError(w, http.StatusUnauthorized, "Session expired. Please reload the page.")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Could not verify the session. Please try again.")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
