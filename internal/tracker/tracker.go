// Package tracker is the operation surface of the vulnerability tracker. It
// authorizes every call against the owning user and hands manifest work to
// the background engine.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/example/vulntrack/internal/apperr"
	"github.com/example/vulntrack/internal/cache"
	"github.com/example/vulntrack/internal/engine"
	"github.com/example/vulntrack/internal/index"
	"github.com/example/vulntrack/internal/metrics"
	"github.com/example/vulntrack/internal/osv"
	"github.com/example/vulntrack/internal/ratelimit"
	"github.com/example/vulntrack/internal/registry"
)

// Authority serves vulnerability records and package metadata.
type Authority interface {
	FetchVulnerability(ctx context.Context, id string) (osv.Vulnerability, error)
	FetchPackageMetadata(ctx context.Context, pkg, version string) (osv.PackageMetadata, error)
}

// Advisor suggests replacements for a vulnerable package version.
type Advisor interface {
	Suggest(ctx context.Context, pkg, version string) (string, error)
}

type Deps struct {
	Registry  *registry.Registry
	Index     *index.Index
	Engine    *engine.Engine
	Cache     *cache.Loader
	Limiter   *ratelimit.Limiter
	Authority Authority
	Advisor   Advisor // optional
	Logger    *slog.Logger
}

type Tracker struct {
	registry  *registry.Registry
	index     *index.Index
	engine    *engine.Engine
	cache     *cache.Loader
	limiter   *ratelimit.Limiter
	authority Authority
	advisor   Advisor
	log       *slog.Logger
}

func New(d Deps) *Tracker {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		registry:  d.Registry,
		index:     d.Index,
		engine:    d.Engine,
		cache:     d.Cache,
		limiter:   d.Limiter,
		authority: d.Authority,
		advisor:   d.Advisor,
		log:       log,
	}
}

// Update carries the optional fields of an application update. Nil fields
// are left untouched.
type Update struct {
	Name        *string
	Description *string
	Manifest    *string
}

// AppDependency is one pinned dependency of an application.
type AppDependency struct {
	Version         string   `json:"version"`
	Vulnerabilities []string `json:"vulnerabilities"`
}

// UserDependency aggregates one (package, version) over a user's applications.
type UserDependency struct {
	Vulns  []string `json:"vulns"`
	UsedIn []string `json:"used_in"`
}

// DependencyDetail describes one (package, version) of the index as seen by a
// user.
type DependencyDetail struct {
	Package     string   `json:"package"`
	Version     string   `json:"version"`
	Vulns       []string `json:"vulns"`
	UsedBy      []string `json:"used_by"`
	Description string   `json:"description"`
	Summary     string   `json:"summary"`
}

// dependencyPayload is the cached part of a DependencyDetail. used_by is never
// cached.
type dependencyPayload struct {
	Vulns       []string `json:"vulns"`
	Description string   `json:"description"`
	Summary     string   `json:"summary"`
}

// CreateApplication registers an application and queues the analysis of its
// manifest. The returned id is usable at once; the application reports
// status processing until the analysis commits.
func (t *Tracker) CreateApplication(ctx context.Context, user, name, description, manifestText string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("application name: %w", apperr.ErrInvalidInput)
	}
	app := t.registry.Create(user, name, description)
	if err := t.engine.ScheduleReconcile(app.ID, engine.KindCreate, manifestText); err != nil {
		return "", fmt.Errorf("schedule analysis of %s: %w", app.ID, err)
	}
	t.log.InfoContext(ctx, "application created", "app_id", app.ID, "user", user)
	return app.ID, nil
}

func (t *Tracker) UpdateApplication(ctx context.Context, appID, user string, u Update) error {
	if err := t.registry.UpdateDetails(appID, user, u.Name, u.Description, u.Manifest != nil); err != nil {
		return err
	}
	if u.Manifest == nil {
		return nil
	}
	if err := t.engine.ScheduleReconcile(appID, engine.KindUpdate, *u.Manifest); err != nil {
		t.registry.Abandon(appID)
		return fmt.Errorf("schedule analysis of %s: %w", appID, err)
	}
	t.log.InfoContext(ctx, "application update queued", "app_id", appID, "user", user)
	return nil
}

// DeleteApplication hides the application at once and releases its
// dependencies after any analysis still queued for it.
func (t *Tracker) DeleteApplication(ctx context.Context, appID, user string) error {
	if err := t.registry.MarkDeleted(appID, user); err != nil {
		return err
	}
	if err := t.engine.ScheduleRelease(appID); err != nil {
		return fmt.Errorf("schedule release of %s: %w", appID, err)
	}
	t.log.InfoContext(ctx, "application deleted", "app_id", appID, "user", user)
	return nil
}

func (t *Tracker) GetApplication(_ context.Context, appID, user string) (registry.Application, error) {
	return t.registry.Get(appID, user)
}

func (t *Tracker) ListApplications(_ context.Context, user string) []registry.Application {
	return t.registry.List(user)
}

// GetApplicationDependencies returns the committed manifest of the
// application with the vulnerabilities known for each pair.
func (t *Tracker) GetApplicationDependencies(_ context.Context, appID, user string) (map[string]AppDependency, error) {
	app, err := t.registry.Get(appID, user)
	if err != nil {
		return nil, err
	}
	out := make(map[string]AppDependency, len(app.Manifest))
	for pkg, version := range app.Manifest {
		dep := AppDependency{Version: version, Vulnerabilities: []string{}}
		if e, ok := t.index.Lookup(pkg, version); ok {
			dep.Vulnerabilities = e.VulnerabilityIDs
		}
		out[pkg] = dep
	}
	return out, nil
}

// ListDependencies groups the dependencies of all the user's applications by
// package and version.
func (t *Tracker) ListDependencies(_ context.Context, user string) map[string]map[string]UserDependency {
	out := make(map[string]map[string]UserDependency)
	for _, app := range t.registry.List(user) {
		for pkg, version := range app.Manifest {
			versions, ok := out[pkg]
			if !ok {
				versions = make(map[string]UserDependency)
				out[pkg] = versions
			}
			dep, ok := versions[version]
			if !ok {
				dep.Vulns = []string{}
				if e, found := t.index.Lookup(pkg, version); found {
					dep.Vulns = e.VulnerabilityIDs
				}
			}
			dep.UsedIn = append(dep.UsedIn, app.ID)
			versions[version] = dep
		}
	}
	for _, versions := range out {
		for v, dep := range versions {
			sort.Strings(dep.UsedIn)
			versions[v] = dep
		}
	}
	return out
}

// GetDependency describes a (package, version) present in the index. The
// description and summary come from the package authority through the
// cache; used_by always reflects the live index, restricted to the caller's
// applications.
func (t *Tracker) GetDependency(ctx context.Context, pkg, version, user string) (DependencyDetail, error) {
	if pkg == "" || version == "" {
		return DependencyDetail{}, fmt.Errorf("package and version are required: %w", apperr.ErrInvalidInput)
	}
	entry, ok := t.index.Lookup(pkg, version)
	if !ok {
		return DependencyDetail{}, fmt.Errorf("dependency %s==%s: %w", pkg, version, apperr.ErrNotFound)
	}

	payload, err := cache.Fetch(ctx, t.cache, cache.DependencyKey(pkg, version), func(ctx context.Context) (dependencyPayload, error) {
		md, err := t.authority.FetchPackageMetadata(ctx, pkg, version)
		if err != nil {
			return dependencyPayload{}, err
		}
		return dependencyPayload{
			Vulns:       entry.VulnerabilityIDs,
			Description: md.Description,
			Summary:     md.Summary,
		}, nil
	})
	if err != nil {
		return DependencyDetail{}, err
	}

	owned := t.registry.OwnedIDs(user)
	usedBy := []string{}
	for _, id := range entry.UsedBy {
		if _, mine := owned[id]; mine {
			usedBy = append(usedBy, id)
		}
	}
	if payload.Vulns == nil {
		payload.Vulns = []string{}
	}
	return DependencyDetail{
		Package:     pkg,
		Version:     version,
		Vulns:       payload.Vulns,
		UsedBy:      usedBy,
		Description: payload.Description,
		Summary:     payload.Summary,
	}, nil
}

// GetVulnerability returns the record for id. Every call counts against the
// caller's rate limit, whether or not the record is cached.
func (t *Tracker) GetVulnerability(ctx context.Context, id, user string) (osv.Vulnerability, error) {
	if id == "" {
		return osv.Vulnerability{}, fmt.Errorf("vulnerability id is required: %w", apperr.ErrInvalidInput)
	}
	if err := t.limiter.Check(user); err != nil {
		metrics.RateLimited.WithLabelValues("vulnerability").Inc()
		t.log.WarnContext(ctx, "rate limit exceeded", "user", user)
		return osv.Vulnerability{}, err
	}
	return cache.Fetch(ctx, t.cache, cache.VulnerabilityKey(id), func(ctx context.Context) (osv.Vulnerability, error) {
		return t.authority.FetchVulnerability(ctx, id)
	})
}

// SuggestAlternatives asks the advisor for secure replacements of a
// vulnerable package version.
func (t *Tracker) SuggestAlternatives(ctx context.Context, pkg, version, user string) (string, error) {
	if pkg == "" || version == "" {
		return "", fmt.Errorf("package and version are required: %w", apperr.ErrInvalidInput)
	}
	if t.advisor == nil {
		return "", fmt.Errorf("alternatives advisor: %w", apperr.ErrUnavailable)
	}
	if err := t.limiter.Check("alternate:" + user); err != nil {
		metrics.RateLimited.WithLabelValues("alternate").Inc()
		return "", err
	}
	text, err := t.advisor.Suggest(ctx, pkg, version)
	if err != nil {
		return "", fmt.Errorf("suggest alternatives for %s==%s: %w", pkg, version, err)
	}
	return text, nil
}
