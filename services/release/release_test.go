package release

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tw_autotrade/config"
	"tw_autotrade/models"
)

// fakeRunner answers commands by prefix and records every call.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []Command
	outputs map[string]string
	fail    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string]string{}, fail: map[string]error{}}
}

func (f *fakeRunner) Run(_ context.Context, c Command) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	line := c.String()
	for prefix, err := range f.fail {
		if strings.HasPrefix(line, prefix) {
			return "", err
		}
	}
	best := ""
	for prefix := range f.outputs {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	return f.outputs[best], nil
}

func (f *fakeRunner) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.String()
	}
	return out
}

func (f *fakeRunner) find(prefix string) (Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c.String(), prefix) {
			return c, true
		}
	}
	return Command{}, false
}

func TestNormalizeAndBump(t *testing.T) {
	v, err := Normalize(" 1.2.3 ")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", v)

	for _, bad := range []string{"", "v1.2", "1.2.3-rc1", "latest", "vv1.2.3", "v01.2.3", "1.02.3", "v1.2.03"} {
		_, err := Normalize(bad)
		assert.ErrorIs(t, err, ErrInvalidVersion, bad)
	}

	cases := map[string]string{"major": "v2.0.0", "minor": "v1.3.0", "patch": "v1.2.4"}
	for kind, want := range cases {
		got, err := Bump("v1.2.3", kind)
		require.NoError(t, err)
		assert.Equal(t, want, got, kind)
	}
	_, err = Bump("v1.2.3", "build")
	assert.Error(t, err)
}

func TestSortNewestFirst(t *testing.T) {
	vs := []string{"v1.9.0", "v1.10.0", "v0.9.9", "v1.10.1"}
	SortNewestFirst(vs)
	assert.Equal(t, []string{"v1.10.1", "v1.10.0", "v1.9.0", "v0.9.9"}, vs)
}

func TestVersionFiles(t *testing.T) {
	dir := t.TempDir()
	vf := filepath.Join(dir, "VERSION")

	_, err := ReadVersionFile(vf)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	cur, err := currentVersion(vf)
	require.NoError(t, err)
	assert.Empty(t, cur)

	require.NoError(t, WriteVersionFile(vf, "2.0.1"))
	data, err := os.ReadFile(vf)
	require.NoError(t, err)
	assert.Equal(t, "v2.0.1\n", string(data))

	assert.ErrorIs(t, WriteVersionFile(vf, "nope"), ErrInvalidVersion)

	require.NoError(t, os.WriteFile(vf, []byte("garbage\n"), 0o644))
	_, err = ReadVersionFile(vf)
	assert.ErrorIs(t, err, ErrInvalidVersion)

	rf := filepath.Join(dir, "version.json")
	at := time.Date(2024, 5, 3, 8, 0, 0, 0, time.UTC)
	require.NoError(t, WriteRecord(rf, Record{Version: "v2.0.1", Commit: "abc", DeployedAt: at, RollbackFrom: "v2.1.0", RolledBackAt: &at}))
	rec, err := ReadRecord(rf)
	require.NoError(t, err)
	assert.Equal(t, "v2.1.0", rec.RollbackFrom)
	assert.True(t, at.Equal(rec.DeployedAt))

	var raw map[string]any
	data, err = os.ReadFile(rf)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "rolled_back_at")
}

func images(versions ...string) []Image {
	out := make([]Image, len(versions))
	for i, v := range versions {
		out[i] = Image{Tag: v, Version: v}
	}
	return out
}

func TestResolve(t *testing.T) {
	imgs := images("v1.4.0", "v1.3.0", "v1.2.0", "v1.1.0")

	got, err := Resolve(imgs, "v1.4.0", Target{})
	require.NoError(t, err)
	assert.Equal(t, "v1.3.0", got.Version)

	got, err = Resolve(imgs, "v1.4.0", Target{Steps: 3})
	require.NoError(t, err)
	assert.Equal(t, "v1.1.0", got.Version)

	// current image already pruned: count back from its position anyway
	got, err = Resolve(imgs, "v1.3.5", Target{Steps: 1})
	require.NoError(t, err)
	assert.Equal(t, "v1.3.0", got.Version)

	_, err = Resolve(imgs, "v1.4.0", Target{Steps: 4})
	assert.ErrorIs(t, err, ErrTargetNotFound)

	got, err = Resolve(imgs, "v1.4.0", Target{Version: "1.2.0"})
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", got.Version)

	_, err = Resolve(imgs, "v1.4.0", Target{Version: "v0.1.0"})
	assert.ErrorIs(t, err, ErrTargetNotFound)
	_, err = Resolve(imgs, "v1.4.0", Target{Version: "v1.4.0"})
	assert.Error(t, err)
	_, err = Resolve(imgs, "v1.4.0", Target{Version: "x"})
	assert.ErrorIs(t, err, ErrInvalidVersion)
	_, err = Resolve(nil, "v1.4.0", Target{})
	assert.ErrorIs(t, err, ErrNoImages)
	_, err = Resolve(imgs, "", Target{Steps: 1})
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestDockerImages(t *testing.T) {
	r := newFakeRunner()
	r.outputs["docker images tw-autotrade"] = "latest\nv1.2.0\n1.10.0\n<none>\nv1.9.3\nv1.10.0\n"
	d := NewDocker(r, "tw-autotrade", "docker-compose.yml", nil)

	imgs, err := d.Images(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Image{
		{Tag: "1.10.0", Version: "v1.10.0", Aliases: []string{"v1.10.0"}},
		{Tag: "v1.9.3", Version: "v1.9.3"},
		{Tag: "v1.2.0", Version: "v1.2.0"},
	}, imgs)
}

func TestImageCommit(t *testing.T) {
	r := newFakeRunner()
	r.outputs["docker image inspect tw-autotrade:v1.0.0"] = "<no value>\n"
	r.outputs["docker image inspect tw-autotrade:v1.1.0"] = "0123456789abcdef\n"
	d := NewDocker(r, "tw-autotrade", "docker-compose.yml", nil)

	c, err := d.ImageCommit(context.Background(), "v1.0.0")
	require.NoError(t, err)
	assert.Empty(t, c)
	c, err = d.ImageCommit(context.Background(), "v1.1.0")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", c)
}

type fixture struct {
	dir     string
	runner  *fakeRunner
	healthy atomic.Bool
	manager *Manager
	asked   []string
}

func newFixture(t *testing.T, answer bool) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir(), runner: newFakeRunner()}
	f.healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !f.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)

	cfg := config.DeployConfig{
		Image:       "tw-autotrade",
		ComposeFile: filepath.Join(f.dir, "docker-compose.yml"),
		Services:    []string{"app", "scheduler"},
		VersionFile: "VERSION",
		RecordFile:  "version.json",
		Keep:        3,
		SourceDir:   f.dir,
		HealthURL:   srv.URL + "/health",
	}
	f.runner.outputs["docker images"] = "v1.4.0\nv1.3.0\nv1.2.0\nv1.1.0\n"
	f.runner.outputs["docker image inspect"] = "feedfacecafe0000\n"
	f.runner.outputs["git rev-parse HEAD"] = "1111111111111111\n"

	f.manager = NewManager(cfg, f.runner,
		WithConfirmer(func(p string) (bool, error) {
			f.asked = append(f.asked, p)
			return answer, nil
		}),
		WithClock(func() time.Time { return time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC) }),
	)
	return f
}

func (f *fixture) path(name string) string { return filepath.Join(f.dir, name) }

func TestRollbackOneStep(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, WriteVersionFile(f.path("VERSION"), "v1.4.0"))

	rec, err := f.manager.Rollback(context.Background(), RollbackOptions{Target: Target{Steps: 1}, ResetSource: true})
	require.NoError(t, err)
	assert.Equal(t, "v1.3.0", rec.Version)
	assert.Equal(t, "v1.4.0", rec.RollbackFrom)
	assert.Equal(t, "feedfacecafe0000", rec.Commit)

	require.Len(t, f.asked, 1)
	assert.Contains(t, f.asked[0], "from v1.4.0 to v1.3.0")

	cur, err := ReadVersionFile(f.path("VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "v1.3.0", cur)
	stored, err := ReadRecord(f.path("version.json"))
	require.NoError(t, err)
	require.NotNil(t, stored.RolledBackAt)

	_, ok := f.runner.find("git reset --hard feedfacecafe0000")
	assert.True(t, ok)
	up, ok := f.runner.find("docker compose -f docker-compose.yml up -d --no-build app scheduler")
	require.True(t, ok)
	assert.Equal(t, []string{"IMAGE_TAG=v1.3.0"}, up.Env)
	assert.Equal(t, f.dir, up.Dir)

	for _, l := range f.runner.lines() {
		assert.False(t, strings.HasPrefix(l, "docker build"), "rollback never builds: %s", l)
	}
}

func TestRollbackDeclined(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, WriteVersionFile(f.path("VERSION"), "v1.4.0"))

	_, err := f.manager.Rollback(context.Background(), RollbackOptions{Target: Target{Version: "v1.1.0"}})
	assert.ErrorIs(t, err, ErrAborted)

	cur, err := ReadVersionFile(f.path("VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "v1.4.0", cur, "nothing changes when declined")
	_, ok := f.runner.find("docker compose")
	assert.False(t, ok)
}

func TestRollbackUnknownTarget(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, WriteVersionFile(f.path("VERSION"), "v1.4.0"))
	_, err := f.manager.Rollback(context.Background(), RollbackOptions{Target: Target{Version: "v0.9.0"}})
	assert.ErrorIs(t, err, ErrTargetNotFound)
	assert.Empty(t, f.asked)
}

func TestRollbackResetNeedsLabel(t *testing.T) {
	f := newFixture(t, true)
	f.runner.outputs["docker image inspect"] = "<no value>"
	require.NoError(t, WriteVersionFile(f.path("VERSION"), "v1.4.0"))
	_, err := f.manager.Rollback(context.Background(), RollbackOptions{ResetSource: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), RevisionLabel)
}

func TestDeployHealthy(t *testing.T) {
	f := newFixture(t, true)
	f.runner.outputs["docker images"] = "v1.5.0\nv1.4.0\nv1.3.0\nv1.2.0\nv1.1.0\n"
	require.NoError(t, WriteVersionFile(f.path("VERSION"), "v1.4.0"))

	rec, err := f.manager.Deploy(context.Background(), DeployOptions{Version: "1.5.0"})
	require.NoError(t, err)
	assert.Equal(t, "v1.5.0", rec.Version)
	assert.Equal(t, "1111111111111111", rec.Commit)

	cur, err := ReadVersionFile(f.path("VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "v1.5.0", cur)

	_, ok := f.runner.find("docker tag tw-autotrade:latest tw-autotrade:v1.5.0")
	assert.True(t, ok)
	_, ok = f.runner.find("git tag -a v1.5.0")
	assert.True(t, ok)
	_, ok = f.runner.find("docker rmi tw-autotrade:v1.2.0")
	assert.True(t, ok)
	_, ok = f.runner.find("docker rmi tw-autotrade:v1.1.0")
	assert.True(t, ok)
}

func TestDeployUnhealthyIsNotPromoted(t *testing.T) {
	f := newFixture(t, true)
	f.healthy.Store(false)
	require.NoError(t, WriteVersionFile(f.path("VERSION"), "v1.4.0"))

	_, err := f.manager.Deploy(context.Background(), DeployOptions{Version: "v1.5.0"})
	assert.ErrorIs(t, err, ErrUnhealthy)

	cur, err := ReadVersionFile(f.path("VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "v1.4.0", cur)
	_, err = os.Stat(f.path("version.json"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	_, ok := f.runner.find("git tag")
	assert.False(t, ok)
	var restarts []string
	for _, c := range f.runner.calls {
		if strings.HasPrefix(c.String(), "docker compose") {
			restarts = append(restarts, c.Env[0])
		}
	}
	assert.Equal(t, []string{"IMAGE_TAG=v1.5.0", "IMAGE_TAG=v1.4.0"}, restarts)
}

func TestDeployUnhealthyRestoresUnprefixedTag(t *testing.T) {
	f := newFixture(t, true)
	f.healthy.Store(false)
	f.runner.outputs["docker images"] = "1.4.0\nv1.3.0\n"
	require.NoError(t, WriteVersionFile(f.path("VERSION"), "v1.4.0"))

	_, err := f.manager.Deploy(context.Background(), DeployOptions{Version: "v1.5.0"})
	assert.ErrorIs(t, err, ErrUnhealthy)

	var restarts []string
	for _, c := range f.runner.calls {
		if strings.HasPrefix(c.String(), "docker compose") {
			restarts = append(restarts, c.Env[0])
		}
	}
	assert.Equal(t, []string{"IMAGE_TAG=v1.5.0", "IMAGE_TAG=1.4.0"}, restarts)
}

func TestDeployRejectsBadVersion(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.manager.Deploy(context.Background(), DeployOptions{})
	assert.ErrorIs(t, err, ErrInvalidVersion, "no VERSION file and no version given")
	assert.Empty(t, f.runner.lines())
}

func TestPruneKeepsCurrent(t *testing.T) {
	f := newFixture(t, true)
	f.runner.outputs["docker images"] = "v1.5.0\nv1.4.0\nv1.3.0\nv1.2.0\nv1.1.0\n"
	require.NoError(t, WriteVersionFile(f.path("VERSION"), "v1.1.0"))

	removed, err := f.manager.Prune(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1.2.0"}, removed)

	_, err = f.manager.Prune(context.Background(), 0)
	assert.Error(t, err)
}

func TestPruneRemovesEveryAlias(t *testing.T) {
	f := newFixture(t, true)
	f.runner.outputs["docker images"] = "v1.3.0\nv1.2.0\n1.2.0\nv1.1.0\n"
	require.NoError(t, WriteVersionFile(f.path("VERSION"), "v1.3.0"))

	removed, err := f.manager.Prune(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1.2.0", "v1.1.0"}, removed)
	for _, tag := range []string{"v1.2.0", "1.2.0", "v1.1.0"} {
		_, ok := f.runner.find("docker rmi tw-autotrade:" + tag)
		assert.True(t, ok, tag)
	}
	_, ok := f.runner.find("docker rmi tw-autotrade:v1.3.0")
	assert.False(t, ok)
}

func TestBumpVersionAndStatus(t *testing.T) {
	f := newFixture(t, true)
	v, err := f.manager.BumpVersion("minor")
	require.NoError(t, err)
	assert.Equal(t, "v0.1.0", v)

	st, err := f.manager.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v0.1.0", st.Version)
	assert.True(t, st.Healthy)
	assert.Len(t, st.Images, 4)

	f.healthy.Store(false)
	st, err = f.manager.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Healthy)
}

func TestPromptConfirmer(t *testing.T) {
	var out strings.Builder
	c := PromptConfirmer(strings.NewReader("yes\nn\n"), &out)
	ok, err := c("Go?")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c("Again?")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, out.String(), "Go? [y/N]: ")

	ok, err = c("EOF?")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeployTokenRoundTrip(t *testing.T) {
	now := time.Now()
	token, err := SignDeployToken("s3cret", "deployctl", "v1.2.3", now)
	require.NoError(t, err)

	claims, err := ParseDeployToken("s3cret", token)
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", claims.Version)
	assert.Equal(t, "deployctl", claims.Subject)

	_, err = ParseDeployToken("other", token)
	assert.Error(t, err)

	expired, err := SignDeployToken("s3cret", "deployctl", "v1.2.3", now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = ParseDeployToken("s3cret", expired)
	assert.Error(t, err)
}

func TestNotifier(t *testing.T) {
	var got models.Deployment
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/deployments", r.URL.Path)
		claims, err := ParseDeployToken("s3cret", strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if assert.NoError(t, err) {
			assert.Equal(t, "v1.3.0", claims.Version)
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	assert.Nil(t, NewNotifier("", "s3cret"))
	n := NewNotifier(srv.URL+"/", "s3cret")
	require.NoError(t, n.Notify(context.Background(), models.Deployment{Version: "v1.3.0", Action: models.ActionRollback}))
	assert.Equal(t, models.ActionRollback, got.Action)
}

func TestDeployStopsWhenTagFails(t *testing.T) {
	f := newFixture(t, true)
	f.runner.fail["docker tag"] = errors.New("no such image")
	_, err := f.manager.Deploy(context.Background(), DeployOptions{Version: "v2.0.0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such image")
	_, ok := f.runner.find("docker compose")
	assert.False(t, ok)
}
