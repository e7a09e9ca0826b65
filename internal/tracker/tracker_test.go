package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/vulntrack/internal/apperr"
	"github.com/example/vulntrack/internal/cache"
	"github.com/example/vulntrack/internal/engine"
	"github.com/example/vulntrack/internal/index"
	"github.com/example/vulntrack/internal/manifest"
	"github.com/example/vulntrack/internal/osv"
	"github.com/example/vulntrack/internal/ratelimit"
	"github.com/example/vulntrack/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource map[string][]string

func (s stubSource) BatchQuery(_ context.Context, reqs []manifest.Requirement) ([][]string, error) {
	out := make([][]string, len(reqs))
	for i, r := range reqs {
		out[i] = s[r.Package+"=="+r.Version]
	}
	return out, nil
}

type stubAuthority struct {
	mu            sync.Mutex
	vulnCalls     int
	metadataCalls int
}

func (a *stubAuthority) FetchVulnerability(_ context.Context, id string) (osv.Vulnerability, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vulnCalls++
	if id == "UNKNOWN" {
		return osv.Vulnerability{}, apperr.ErrNotFound
	}
	return osv.Vulnerability{ID: id, Summary: "summary of " + id}, nil
}

func (a *stubAuthority) FetchPackageMetadata(_ context.Context, pkg, _ string) (osv.PackageMetadata, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metadataCalls++
	return osv.PackageMetadata{Description: pkg + " description", Summary: pkg + " summary"}, nil
}

type stubAdvisor struct{ err error }

func (a stubAdvisor) Suggest(_ context.Context, pkg, version string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "use something newer than " + pkg + " " + version, nil
}

type fixture struct {
	tracker   *Tracker
	sched     *engine.Scheduler
	authority *stubAuthority
}

func newFixture(t *testing.T, advisor Advisor) *fixture {
	t.Helper()
	ix := index.New()
	reg := registry.New()
	sched := engine.NewScheduler(4, nil)
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })
	src := stubSource{
		"flask==0.12":  {"GHSA-1", "GHSA-2"},
		"jinja2==2.10": {"GHSA-3"},
	}
	authority := &stubAuthority{}
	tr := New(Deps{
		Registry:  reg,
		Index:     ix,
		Engine:    engine.New(ix, reg, src, sched, nil),
		Cache:     cache.NewLoader(cache.NewMemory(), time.Hour, nil),
		Limiter:   ratelimit.New(5, time.Minute),
		Authority: authority,
		Advisor:   advisor,
	})
	return &fixture{tracker: tr, sched: sched, authority: authority}
}

func (f *fixture) create(t *testing.T, user, name, text string) string {
	t.Helper()
	id, err := f.tracker.CreateApplication(context.Background(), user, name, "", text)
	require.NoError(t, err)
	f.sched.Wait()
	return id
}

func TestCreateAndGetApplication(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id := f.create(t, "alice", "shop", "flask==0.12\njinja2==2.10\n")

	app, err := f.tracker.GetApplication(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, app.Status)
	assert.Equal(t, 3, app.VulnerabilityCount)

	list := f.tracker.ListApplications(ctx, "alice")
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	deps, err := f.tracker.GetApplicationDependencies(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]AppDependency{
		"flask":  {Version: "0.12", Vulnerabilities: []string{"GHSA-1", "GHSA-2"}},
		"jinja2": {Version: "2.10", Vulnerabilities: []string{"GHSA-3"}},
	}, deps)
}

func TestCreateRequiresName(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.tracker.CreateApplication(context.Background(), "alice", "  ", "", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestForeignApplicationIsForbidden(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.create(t, "alice", "shop", "flask==0.12\n")

	_, err := f.tracker.GetApplication(ctx, id, "bob")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.tracker.GetApplicationDependencies(ctx, id, "bob")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	name := "stolen"
	err = f.tracker.UpdateApplication(ctx, id, "bob", Update{Name: &name})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	err = f.tracker.DeleteApplication(ctx, id, "bob")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	app, err := f.tracker.GetApplication(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, "shop", app.Name)

	_, err = f.tracker.GetApplication(ctx, "nope", "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateApplication(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.create(t, "alice", "shop", "flask==0.12\n")

	name := "store"
	text := "jinja2==2.10\n"
	require.NoError(t, f.tracker.UpdateApplication(ctx, id, "alice", Update{Name: &name, Manifest: &text}))
	f.sched.Wait()

	app, err := f.tracker.GetApplication(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, "store", app.Name)
	assert.Equal(t, registry.StatusCompleted, app.Status)
	assert.Equal(t, 1, app.VulnerabilityCount)
	assert.Equal(t, map[string]string{"jinja2": "2.10"}, app.Manifest)

	_, err = f.tracker.GetDependency(ctx, "flask", "0.12", "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "flask left the index")
}

func TestDeleteApplication(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.create(t, "alice", "shop", "flask==0.12\n")

	require.NoError(t, f.tracker.DeleteApplication(ctx, id, "alice"))
	_, err := f.tracker.GetApplication(ctx, id, "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	f.sched.Wait()

	_, err = f.tracker.GetDependency(ctx, "flask", "0.12", "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, f.tracker.ListDependencies(ctx, "alice"))
}

func TestListDependencies(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.create(t, "alice", "a", "flask==0.12\n")
	b := f.create(t, "alice", "b", "flask==0.12\nrequests==2.31.0\n")
	f.create(t, "bob", "c", "jinja2==2.10\n")

	deps := f.tracker.ListDependencies(ctx, "alice")
	require.Len(t, deps, 2)
	flask := deps["flask"]["0.12"]
	assert.Equal(t, []string{"GHSA-1", "GHSA-2"}, flask.Vulns)
	want := []string{a, b}
	if b < a {
		want = []string{b, a}
	}
	assert.Equal(t, want, flask.UsedIn)
	assert.Equal(t, []string{}, deps["requests"]["2.31.0"].Vulns)
	_, ok := deps["jinja2"]
	assert.False(t, ok, "bob's dependencies are not listed")
}

func TestGetDependencyFiltersUsedByAndCaches(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	mine := f.create(t, "alice", "a", "flask==0.12\n")
	f.create(t, "bob", "b", "flask==0.12\n")

	dep, err := f.tracker.GetDependency(ctx, "flask", "0.12", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{mine}, dep.UsedBy)
	assert.Equal(t, []string{"GHSA-1", "GHSA-2"}, dep.Vulns)
	assert.Equal(t, "flask description", dep.Description)
	assert.Equal(t, "flask summary", dep.Summary)

	// second app of alice joins after the payload was cached
	second := f.create(t, "alice", "c", "flask==0.12\n")
	dep, err = f.tracker.GetDependency(ctx, "flask", "0.12", "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{mine, second}, dep.UsedBy)
	assert.Equal(t, 1, f.authority.metadataCalls)

	dep, err = f.tracker.GetDependency(ctx, "flask", "0.12", "carol")
	require.NoError(t, err)
	assert.Empty(t, dep.UsedBy)

	_, err = f.tracker.GetDependency(ctx, "flask", "9.9", "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.tracker.GetDependency(ctx, "flask", "", "alice")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestGetVulnerabilityRateLimitCountsCacheHits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		v, err := f.tracker.GetVulnerability(ctx, "GHSA-1", "alice")
		require.NoError(t, err, "call %d", i+1)
		assert.Equal(t, "GHSA-1", v.ID)
	}
	assert.Equal(t, 1, f.authority.vulnCalls, "served from cache after the first call")

	_, err := f.tracker.GetVulnerability(ctx, "GHSA-1", "alice")
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	_, err = f.tracker.GetVulnerability(ctx, "GHSA-1", "bob")
	assert.NoError(t, err, "limits are per user")
}

func TestGetVulnerabilityNotFoundIsNotCached(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.tracker.GetVulnerability(ctx, "UNKNOWN", "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.tracker.GetVulnerability(ctx, "UNKNOWN", "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 2, f.authority.vulnCalls)
}

func TestSuggestAlternatives(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, nil)
	_, err := f.tracker.SuggestAlternatives(ctx, "flask", "0.12", "alice")
	assert.ErrorIs(t, err, apperr.ErrUnavailable)

	f = newFixture(t, stubAdvisor{})
	text, err := f.tracker.SuggestAlternatives(ctx, "flask", "0.12", "alice")
	require.NoError(t, err)
	assert.Contains(t, text, "flask 0.12")

	for i := 0; i < 4; i++ {
		_, err = f.tracker.SuggestAlternatives(ctx, "flask", "0.12", "alice")
		require.NoError(t, err)
	}
	_, err = f.tracker.SuggestAlternatives(ctx, "flask", "0.12", "alice")
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	// the vulnerability limit of the same user is separate
	_, err = f.tracker.GetVulnerability(ctx, "GHSA-1", "alice")
	assert.NoError(t, err)

	f = newFixture(t, stubAdvisor{err: errors.New("model overloaded")})
	_, err = f.tracker.SuggestAlternatives(ctx, "flask", "0.12", "alice")
	assert.ErrorContains(t, err, "model overloaded")
}
