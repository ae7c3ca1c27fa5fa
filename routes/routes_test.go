package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"tw_autotrade/controllers"
	"tw_autotrade/models"
	"tw_autotrade/scheduler"
	"tw_autotrade/services/overview"
	"tw_autotrade/services/release"
	"tw_autotrade/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeJobs struct {
	mu        sync.Mutex
	triggered []string
}

func (f *fakeJobs) Jobs(context.Context) []scheduler.JobInfo {
	return []scheduler.JobInfo{{Name: scheduler.JobOscar, Spec: "30 15 * * 1-5"}}
}

func (f *fakeJobs) TriggerAsync(name string) (string, error) {
	if name != scheduler.JobOscar {
		return "", scheduler.ErrUnknownJob
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, name)
	return "run-1", nil
}

const secret = "deploy-secret"

type fixture struct {
	db     *gorm.DB
	jobs   *fakeJobs
	router *gin.Engine
	paths  overview.Paths
}

func newFixture(t *testing.T) *fixture {
	db := testutil.NewDB(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, models.SeedDefaultAdminUser(db, "admin", string(hash)))

	dir := t.TempDir()
	paths := overview.Paths{VersionFile: filepath.Join(dir, "VERSION"), RecordFile: filepath.Join(dir, "version.json")}
	require.NoError(t, release.WriteVersionFile(paths.VersionFile, "v1.4.0"))

	jobs := &fakeJobs{}
	health := controllers.NewHealthController(db, nil, nil, func() string { return "v1.4.0" })
	router, err := NewRouter(Deps{
		DB:                db,
		Jobs:              jobs,
		Health:            health,
		Paths:             paths,
		DeployTokenSecret: secret,
		SessionTTL:        time.Hour,
	})
	require.NoError(t, err)
	return &fixture{db: db, jobs: jobs, router: router, paths: paths}
}

func (f *fixture) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

var csrfField = regexp.MustCompile(`name="csrf_token" value="([0-9a-f]+)"`)

func csrfToken(t *testing.T, body string) string {
	m := csrfField.FindStringSubmatch(body)
	require.Len(t, m, 2, "no csrf token in page")
	return m[1]
}

func postForm(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func (f *fixture) login(t *testing.T) *http.Cookie {
	page := f.do(httptest.NewRequest(http.MethodGet, "/admin/login", nil))
	require.Equal(t, http.StatusOK, page.Code)

	w := f.do(postForm("/admin/login", url.Values{
		"username":   {"admin"},
		"password":   {"hunter2"},
		"csrf_token": {csrfToken(t, page.Body.String())},
	}))
	require.Equal(t, http.StatusFound, w.Code)
	for _, c := range w.Result().Cookies() {
		if c.Name == "admin_session" {
			return c
		}
	}
	t.Fatal("no session cookie")
	return nil
}

func TestProbes(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "v1.4.0")

	w = f.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"disabled"`)

	w = f.do(httptest.NewRequest(http.MethodGet, "/startup", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminLoginAndDashboard(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/admin/login", w.Header().Get("Location"))

	page := f.do(httptest.NewRequest(http.MethodGet, "/admin/login", nil))
	bad := f.do(postForm("/admin/login", url.Values{
		"username": {"admin"}, "password": {"wrong"}, "csrf_token": {csrfToken(t, page.Body.String())},
	}))
	assert.Equal(t, http.StatusUnauthorized, bad.Code)

	session := f.login(t)
	w = f.do(httptest.NewRequest(http.MethodGet, "/admin", nil), session)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "v1.4.0")
	assert.Contains(t, body, scheduler.JobOscar)

	w = f.do(postForm("/admin/actions/jobs/"+scheduler.JobOscar, url.Values{"csrf_token": {csrfToken(t, body)}}), session)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, []string{scheduler.JobOscar}, f.jobs.triggered)
}

func TestLoginRequiresCSRF(t *testing.T) {
	f := newFixture(t)
	w := f.do(postForm("/admin/login", url.Values{"username": {"admin"}, "password": {"hunter2"}}))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestTriggerJobAPI(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/jobs/oscar_run/run", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	session := f.login(t)
	w = f.do(httptest.NewRequest(http.MethodPost, "/api/v1/jobs/oscar_run/run", nil), session)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "run-1")

	w = f.do(httptest.NewRequest(http.MethodPost, "/api/v1/jobs/nope/run", nil), session)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRecordDeployment(t *testing.T) {
	f := newFixture(t)
	payload, err := json.Marshal(models.Deployment{Version: "1.5.0", Commit: "abc", Action: models.ActionRollback, FromVersion: "v1.6.0", Healthy: true})
	require.NoError(t, err)

	post := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/deployments", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return f.do(req)
	}

	assert.Equal(t, http.StatusUnauthorized, post("").Code)

	other, err := release.SignDeployToken(secret, "deployctl", "v9.9.9", time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, post(other).Code)

	token, err := release.SignDeployToken(secret, "deployctl", "v1.5.0", time.Now())
	require.NoError(t, err)
	w := post(token)
	require.Equal(t, http.StatusCreated, w.Code)

	var stored models.Deployment
	require.NoError(t, f.db.First(&stored).Error)
	assert.Equal(t, "v1.5.0", stored.Version)
	assert.Equal(t, models.ActionRollback, stored.Action)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/deployments", nil))
	assert.Contains(t, w.Body.String(), "v1.5.0")
}

func TestReadAPI(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Create(&models.StrategyRun{Task: "oscar", Status: models.StatusSucceeded, Holdings: `["2330"]`}).Error)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/strategy-runs?task=oscar", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data []models.StrategyRun `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/recommendations/daily", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/recommendations/weekly", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/strategy-runs/oscar/report", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/version", nil))
	assert.Contains(t, w.Body.String(), "v1.4.0")
}
