package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// CSRFTokenKey is the context and form field name of the token.
const CSRFTokenKey = "csrf_token"

// CSRFStore issues single-use form tokens.
type CSRFStore struct {
	mu      sync.Mutex
	expires map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func NewCSRFStore(ttl time.Duration) *CSRFStore {
	return &CSRFStore{expires: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// RunCleanup removes expired tokens every interval until ctx is done.
func (s *CSRFStore) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for token, exp := range s.expires {
				if now.After(exp) {
					delete(s.expires, token)
				}
			}
			s.mu.Unlock()
		}
	}
}

// RandomToken returns 32 random bytes hex encoded.
func RandomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// GenerateToken issues a token valid for the store's TTL.
func (s *CSRFStore) GenerateToken() (string, error) {
	token, err := RandomToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.expires[token] = s.now().Add(s.ttl)
	s.mu.Unlock()
	return token, nil
}

// ValidateToken consumes token and reports whether it was issued and unexpired.
func (s *CSRFStore) ValidateToken(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.expires[token]
	if !ok {
		return false
	}
	delete(s.expires, token)
	return !s.now().After(exp)
}

// CSRF validates a one-time token on POST requests, taken from the form
// field or the X-CSRF-Token header.
func CSRF(store *CSRFStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost {
			token := c.PostForm(CSRFTokenKey)
			if token == "" {
				token = c.GetHeader("X-CSRF-Token")
			}
			if token == "" || !store.ValidateToken(token) {
				c.HTML(http.StatusForbidden, "login.html", gin.H{
					"error": "Invalid or expired security token. Please refresh the page and try again.",
				})
				c.Abort()
				return
			}
		}
		c.Next()
	}
}

// SetCSRFToken issues a token and stores it in the context for templates.
func SetCSRFToken(c *gin.Context, store *CSRFStore) string {
	token, err := store.GenerateToken()
	if err != nil {
		return ""
	}
	c.Set(CSRFTokenKey, token)
	return token
}
