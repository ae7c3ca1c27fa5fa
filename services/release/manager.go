package release

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"tw_autotrade/config"
	"tw_autotrade/logging"
	"tw_autotrade/models"
	"tw_autotrade/services/metrics"
)

// Manager runs the release procedures against one deployment directory.
type Manager struct {
	cfg         config.DeployConfig
	docker      *Docker
	git         *Git
	confirm     Confirmer
	notifier    *Notifier
	http        *http.Client
	versionFile string
	recordFile  string
	pollEvery   time.Duration
	now         func() time.Time
	logger      zerolog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithConfirmer replaces the default (refuse) confirmation.
func WithConfirmer(c Confirmer) Option { return func(m *Manager) { m.confirm = c } }

// WithNotifier reports deployments and rollbacks to the dashboard.
func WithNotifier(n *Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithHTTPClient sets the client used for health checks.
func WithHTTPClient(c *http.Client) Option { return func(m *Manager) { m.http = c } }

// WithPollInterval sets the health check interval.
func WithPollInterval(d time.Duration) Option { return func(m *Manager) { m.pollEvery = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Paths returns the VERSION and record file locations. Relative paths are
// resolved against the compose file directory.
func Paths(cfg config.DeployConfig) (versionFile, recordFile string) {
	dir := filepath.Dir(cfg.ComposeFile)
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	return resolve(cfg.VersionFile), resolve(cfg.RecordFile)
}

// NewManager builds a manager for the deployment directory of cfg.
func NewManager(cfg config.DeployConfig, runner Runner, opts ...Option) *Manager {
	versionFile, recordFile := Paths(cfg)
	m := &Manager{
		cfg:         cfg,
		docker:      NewDocker(runner, cfg.Image, cfg.ComposeFile, cfg.Services),
		git:         NewGit(runner, cfg.SourceDir),
		confirm:     func(string) (bool, error) { return false, nil },
		versionFile: versionFile,
		recordFile:  recordFile,
		pollEvery:   2 * time.Second,
		now:         time.Now,
		logger:      logging.WithComponent("release"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the version in the VERSION file, or "" when there is none.
func (m *Manager) Current() (string, error) {
	return currentVersion(m.versionFile)
}

// Images lists local version-tagged images, newest first.
func (m *Manager) Images(ctx context.Context) ([]Image, error) {
	return m.docker.Images(ctx)
}

// ImageCommit returns the source commit recorded on a local image.
func (m *Manager) ImageCommit(ctx context.Context, tag string) (string, error) {
	return m.docker.ImageCommit(ctx, tag)
}

// SetVersion validates and writes the VERSION file without deploying.
func (m *Manager) SetVersion(version string) (string, error) {
	v, err := Normalize(version)
	if err != nil {
		return "", err
	}
	return v, WriteVersionFile(m.versionFile, v)
}

// BumpVersion increments the VERSION file (v0.0.0 when missing).
func (m *Manager) BumpVersion(kind string) (string, error) {
	cur, err := m.Current()
	if err != nil {
		return "", err
	}
	if cur == "" {
		cur = "v0.0.0"
	}
	next, err := Bump(cur, kind)
	if err != nil {
		return "", err
	}
	return next, WriteVersionFile(m.versionFile, next)
}

// Status summarizes the deployment directory.
type Status struct {
	Version string
	Record  *Record
	Images  []Image
	Healthy bool
	Health  string
}

// Status reads the pointer files, the local images and the health endpoint.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	cur, err := m.Current()
	if err != nil {
		return nil, err
	}
	st := &Status{Version: cur}
	if rec, err := ReadRecord(m.recordFile); err == nil {
		st.Record = rec
	}
	if st.Images, err = m.docker.Images(ctx); err != nil {
		return nil, err
	}
	if err := m.Health(ctx, 0); err != nil {
		st.Health = err.Error()
	} else {
		st.Healthy = true
		st.Health = "ok"
	}
	return st, nil
}

// Health checks the health endpoint once, or polls it for wait.
func (m *Manager) Health(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		if err := probe(ctx, m.httpClient(), m.cfg.HealthURL); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnhealthy, m.cfg.HealthURL, err)
		}
		return nil
	}
	return WaitHealthy(ctx, m.httpClient(), m.cfg.HealthURL, wait, m.pollEvery)
}

func (m *Manager) httpClient() *http.Client {
	if m.http != nil {
		return m.http
	}
	return &http.Client{Timeout: 5 * time.Second}
}

// DeployOptions configures Deploy.
type DeployOptions struct {
	Version   string // empty: the VERSION file
	SourceTag string // image tag produced by the build, default "latest"
	NoGitTag  bool
}

// Deploy tags the built image with the version, restarts the services on it
// and waits for the health check. Only a healthy rollout writes VERSION and
// version.json, creates the git tag and prunes old images. An unhealthy one
// is switched back to the previous version.
func (m *Manager) Deploy(ctx context.Context, opts DeployOptions) (*Record, error) {
	previous, err := m.Current()
	if err != nil {
		return nil, err
	}
	version := opts.Version
	if version == "" {
		version = previous
	}
	v, err := Normalize(version)
	if err != nil {
		return nil, err
	}
	source := opts.SourceTag
	if source == "" {
		source = "latest"
	}
	logger := m.logger.With().Str("version", v).Str("previous", previous).Logger()

	commit, err := m.git.Head(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.docker.Tag(ctx, source, v); err != nil {
		return nil, err
	}
	logger.Info().Str("source", source).Str("commit", commit).Msg("Image tagged, restarting services")

	if err := m.docker.Restart(ctx, v); err != nil {
		return nil, err
	}
	if err := m.Health(ctx, m.cfg.HealthTimeout); err != nil {
		logger.Error().Err(err).Msg("Deployment failed health check, not promoting")
		m.notify(ctx, models.Deployment{Version: v, Commit: commit, Action: models.ActionDeploy, FromVersion: previous, DeployedAt: m.now()})
		if previous != "" && previous != v {
			if rerr := m.docker.Restart(ctx, m.localTag(ctx, previous)); rerr != nil {
				logger.Error().Err(rerr).Msg("Failed to restore previous version")
			}
		}
		return nil, err
	}

	rec := Record{Version: v, Commit: commit, DeployedAt: m.now().UTC()}
	if err := m.promote(rec); err != nil {
		return nil, err
	}
	if !opts.NoGitTag {
		if err := m.git.Tag(ctx, v); err != nil {
			logger.Warn().Err(err).Msg("Git tag failed")
		}
	}
	if _, err := m.Prune(ctx, m.cfg.Keep); err != nil {
		logger.Warn().Err(err).Msg("Image retention failed")
	}
	m.notify(ctx, models.Deployment{Version: v, Commit: commit, Action: models.ActionDeploy, FromVersion: previous, Healthy: true, DeployedAt: rec.DeployedAt})
	logger.Info().Msg("Deployment promoted")
	return &rec, nil
}

func (m *Manager) promote(rec Record) error {
	if err := WriteVersionFile(m.versionFile, rec.Version); err != nil {
		return err
	}
	return WriteRecord(m.recordFile, rec)
}

// RollbackOptions configures Rollback.
type RollbackOptions struct {
	Target      Target
	ResetSource bool
}

// Rollback swaps the running services to a retained image without building:
// resolve the target among local images, confirm, optionally reset the source
// tree to the image's commit, rewrite VERSION and version.json, restart.
func (m *Manager) Rollback(ctx context.Context, opts RollbackOptions) (rec *Record, err error) {
	defer func() {
		if !errors.Is(err, ErrAborted) {
			metrics.RecordRollback(err == nil)
		}
	}()

	current, err := m.Current()
	if err != nil {
		return nil, err
	}
	images, err := m.docker.Images(ctx)
	if err != nil {
		return nil, err
	}
	target, err := Resolve(images, current, opts.Target)
	if err != nil {
		return nil, err
	}
	commit, err := m.docker.ImageCommit(ctx, target.Tag)
	if err != nil {
		return nil, err
	}
	if opts.ResetSource && commit == "" {
		return nil, fmt.Errorf("image %s has no %s label, cannot reset source", target.Tag, RevisionLabel)
	}

	prompt := fmt.Sprintf("Roll back from %s to %s", displayVersion(current), target.Version)
	if commit != "" {
		prompt += fmt.Sprintf(" (commit %s)", shortCommit(commit))
	}
	if opts.ResetSource {
		prompt += " and reset the source tree"
	}
	ok, err := m.confirm(prompt + "?")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAborted
	}

	logger := m.logger.With().Str("from", current).Str("to", target.Version).Logger()

	// The source reset runs before the pointer files are written so a tracked
	// VERSION file cannot be reverted afterwards.
	if opts.ResetSource {
		if err := m.git.ResetHard(ctx, commit); err != nil {
			return nil, err
		}
		logger.Info().Str("commit", commit).Msg("Source tree reset")
	}

	now := m.now().UTC()
	rec = &Record{
		Version:      target.Version,
		Commit:       commit,
		DeployedAt:   now,
		RollbackFrom: current,
		RolledBackAt: &now,
	}
	if err := m.promote(*rec); err != nil {
		return nil, err
	}
	if err := m.docker.Restart(ctx, target.Tag); err != nil {
		return nil, err
	}

	healthErr := m.Health(ctx, m.cfg.HealthTimeout)
	m.notify(ctx, models.Deployment{
		Version:     target.Version,
		Commit:      commit,
		Action:      models.ActionRollback,
		FromVersion: current,
		Healthy:     healthErr == nil,
		DeployedAt:  now,
	})
	if healthErr != nil {
		logger.Error().Err(healthErr).Msg("Rolled back but the service is unhealthy")
		return rec, healthErr
	}
	logger.Info().Msg("Rollback complete")
	return rec, nil
}

// Prune removes version-tagged images beyond the newest keep, never the
// current version. It returns the removed versions.
func (m *Manager) Prune(ctx context.Context, keep int) ([]string, error) {
	if keep < 1 {
		return nil, fmt.Errorf("keep must be at least 1, got %d", keep)
	}
	current, err := m.Current()
	if err != nil {
		return nil, err
	}
	images, err := m.docker.Images(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for i, img := range images {
		if i < keep || img.Version == current {
			continue
		}
		for _, tag := range img.Tags() {
			if err := m.docker.Remove(ctx, tag); err != nil {
				return removed, err
			}
		}
		removed = append(removed, img.Version)
	}
	if len(removed) > 0 {
		m.logger.Info().Strs("removed", removed).Int("keep", keep).Msg("Pruned old images")
	}
	return removed, nil
}

// localTag returns the tag version is stored under locally, which may lack
// the "v" prefix. The version itself is returned when no image matches.
func (m *Manager) localTag(ctx context.Context, version string) string {
	images, err := m.docker.Images(ctx)
	if err != nil {
		return version
	}
	for _, img := range images {
		if img.Version == version {
			return img.Tag
		}
	}
	return version
}

func (m *Manager) notify(ctx context.Context, d models.Deployment) {
	if err := m.notifier.Notify(ctx, d); err != nil {
		m.logger.Warn().Err(err).Msg("Dashboard notification failed")
	}
}

func displayVersion(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
