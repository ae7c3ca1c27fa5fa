package middleware

import (
	"html/template"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tw_autotrade/services/release"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter() *gin.Engine {
	r := gin.New()
	r.SetHTMLTemplate(template.Must(template.New("login.html").Parse(`{{ .error }}`)))
	return r
}

func TestDeployTokenAuth(t *testing.T) {
	r := newRouter()
	r.POST("/deployments", DeployTokenAuth("s3cret"), func(c *gin.Context) {
		claims, ok := GetDeployClaims(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Version)
	})

	do := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/deployments", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, do("").Code)
	assert.Equal(t, http.StatusUnauthorized, do("Token abc").Code)

	wrong, err := release.SignDeployToken("other", "deployctl", "v1.0.0", time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do("Bearer "+wrong).Code)

	expired, err := release.SignDeployToken("s3cret", "deployctl", "v1.0.0", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do("Bearer "+expired).Code)

	good, err := release.SignDeployToken("s3cret", "deployctl", "v1.2.0", time.Now())
	require.NoError(t, err)
	w := do("Bearer " + good)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "v1.2.0", w.Body.String())
}

func TestDeployTokenAuthWithoutSecret(t *testing.T) {
	r := newRouter()
	r.POST("/deployments", DeployTokenAuth(""), func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/deployments", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRateLimiterLocksAfterMaxAttempts(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute, time.Hour)
	for i := 0; i < 2; i++ {
		rl.RecordAttempt("10.0.0.1", false)
	}
	allowed, remaining, _ := rl.Check("10.0.0.1")
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)

	rl.RecordAttempt("10.0.0.1", false)
	allowed, _, wait := rl.Check("10.0.0.1")
	assert.False(t, allowed)
	assert.Greater(t, wait, 59*time.Minute)

	allowed, _, _ = rl.Check("10.0.0.2")
	assert.True(t, allowed)

	rl.RecordAttempt("10.0.0.1", true)
	allowed, _, _ = rl.Check("10.0.0.1")
	assert.True(t, allowed)
}

func TestRateLimiterWindowAndLockoutExpire(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, 10*time.Minute, 30*time.Minute)
	rl.now = func() time.Time { return now }

	rl.RecordAttempt("10.0.0.1", false)
	now = now.Add(11 * time.Minute)
	rl.RecordAttempt("10.0.0.1", false)
	allowed, remaining, _ := rl.Check("10.0.0.1")
	assert.True(t, allowed, "the first failure fell out of the window")
	assert.Equal(t, 1, remaining)

	rl.RecordAttempt("10.0.0.1", false)
	allowed, _, wait := rl.Check("10.0.0.1")
	assert.False(t, allowed)
	assert.Equal(t, 30*time.Minute, wait)

	now = now.Add(30 * time.Minute)
	allowed, remaining, _ = rl.Check("10.0.0.1")
	assert.True(t, allowed)
	assert.Equal(t, 2, remaining)
}

func TestLoginRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, time.Minute)
	r := newRouter()
	r.Any("/login", LoginRateLimit(rl), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	rl.RecordAttempt("192.0.2.1", false)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "Too many failed login attempts")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/login", nil))
	assert.Equal(t, http.StatusOK, w.Code, "GET is not an attempt")
}

func TestCSRF(t *testing.T) {
	store := NewCSRFStore(time.Minute)
	r := newRouter()
	r.POST("/action", CSRF(store), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	post := func(token string) int {
		form := url.Values{CSRFTokenKey: {token}}
		req := httptest.NewRequest(http.MethodPost, "/action", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusForbidden, post(""))
	assert.Equal(t, http.StatusForbidden, post("forged"))

	token, err := store.GenerateToken()
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, post(token))
	assert.Equal(t, http.StatusForbidden, post(token), "tokens are single use")
}

func TestCSRFTokenExpires(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store := NewCSRFStore(time.Minute)
	store.now = func() time.Time { return now }

	fresh, err := store.GenerateToken()
	require.NoError(t, err)
	stale, err := store.GenerateToken()
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	assert.True(t, store.ValidateToken(fresh))
	now = now.Add(time.Minute)
	assert.False(t, store.ValidateToken(stale))
}
