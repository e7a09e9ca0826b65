// Package engine reconciles an application's declared dependencies with the
// shared dependency index and runs those reconciliations in the background.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/vulntrack/internal/index"
	"github.com/example/vulntrack/internal/manifest"
	"github.com/example/vulntrack/internal/metrics"
	"github.com/example/vulntrack/internal/registry"
)

// Source answers which vulnerabilities affect each requirement. The result
// is aligned with reqs.
type Source interface {
	BatchQuery(ctx context.Context, reqs []manifest.Requirement) ([][]string, error)
}

// Job kinds, used as metric labels.
const (
	KindCreate = "create"
	KindUpdate = "update"
	KindDelete = "delete"
)

// Result is the state a reconciliation leaves behind.
type Result struct {
	Manifest           map[string]string
	VulnerabilityCount int
	// Enriched is how many nodes were sent to the source.
	Enriched int
}

type Engine struct {
	index    *index.Index
	registry *registry.Registry
	source   Source
	sched    *Scheduler
	log      *slog.Logger
}

func New(ix *index.Index, reg *registry.Registry, src Source, sched *Scheduler, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{index: ix, registry: reg, source: src, sched: sched, log: log}
}

// Reconcile brings the index in line with the manifest text of appID, given
// the manifest and vulnerability count recorded by the previous run. A
// previousCount of registry.UnknownCount makes the count be rebuilt from the
// index instead of carried forward.
//
// On enrichment failure the returned Result still describes the committed
// index state: every pair of the new manifest is held, nothing from the
// failed batch is applied and the count leaves it out.
func (e *Engine) Reconcile(ctx context.Context, appID, text string, previous map[string]string, previousCount int) (Result, error) {
	reqs := manifest.Parse(text)
	current := manifest.ToMap(reqs)

	total := previousCount
	recount := previousCount < 0
	var pending []manifest.Requirement

	for _, r := range reqs {
		old, had := previous[r.Package]
		if had && old == r.Version {
			// A node left empty by an earlier failed batch is asked for again.
			if entry, ok := e.index.Lookup(r.Package, r.Version); ok && !entry.Enriched {
				pending = append(pending, r)
			}
			continue
		}
		if had {
			n, _ := e.index.Release(r.Package, old, appID)
			total -= n
		}
		res := e.index.Ensure(r.Package, r.Version, appID)
		if res.NeedsEnrichment {
			pending = append(pending, r)
		} else {
			total += len(res.VulnerabilityIDs)
		}
	}

	for pkg, version := range previous {
		if _, kept := current[pkg]; kept {
			continue
		}
		n, _ := e.index.Release(pkg, version, appID)
		total -= n
	}

	result := Result{Manifest: current, Enriched: len(pending)}

	var enrichErr error
	if len(pending) > 0 {
		ids, err := e.source.BatchQuery(ctx, pending)
		if err != nil {
			enrichErr = fmt.Errorf("enrich %d dependencies: %w", len(pending), err)
		} else {
			for i, r := range pending {
				n, ok := e.index.AddVulnerabilities(r.Package, r.Version, ids[i])
				if ok {
					total += n
				}
			}
		}
	}

	if recount {
		total = e.countHeld(current)
	}
	result.VulnerabilityCount = total
	return result, enrichErr
}

// Release drops appID from every pair of its manifest.
func (e *Engine) Release(appID string, held map[string]string) {
	for pkg, version := range held {
		e.index.Release(pkg, version, appID)
	}
}

func (e *Engine) countHeld(held map[string]string) int {
	total := 0
	for pkg, version := range held {
		total += e.index.VulnerabilityCount(pkg, version)
	}
	return total
}

// ScheduleReconcile queues a reconciliation of appID against text. The
// previous manifest is read when the job runs, after any earlier job of the
// same application finished.
func (e *Engine) ScheduleReconcile(appID, kind, text string) error {
	return e.sched.Submit(appID, func(ctx context.Context) {
		e.runReconcile(ctx, appID, kind, text)
	})
}

// ScheduleRelease queues the removal of a deleted application. It runs after
// every job already queued for appID.
func (e *Engine) ScheduleRelease(appID string) error {
	return e.sched.Submit(appID, func(ctx context.Context) {
		start := time.Now()
		held := e.registry.Purge(appID)
		e.Release(appID, held)
		e.observe(KindDelete, "ok", start)
		e.log.Info("application released", "app_id", appID, "dependencies", len(held))
	})
}

func (e *Engine) runReconcile(ctx context.Context, appID, kind, text string) {
	start := time.Now()
	previous, count, ok := e.registry.Previous(appID)
	if !ok {
		e.observe(kind, "skipped", start)
		e.log.Debug("skipping reconciliation of deleted application", "app_id", appID)
		return
	}

	res, err := e.Reconcile(ctx, appID, text, previous, count)
	if cerr := e.registry.Commit(appID, registry.Outcome{
		Manifest:           res.Manifest,
		VulnerabilityCount: res.VulnerabilityCount,
		Err:                err,
	}); cerr != nil {
		e.log.Error("commit reconciliation", "app_id", appID, "error", cerr)
	}

	if err != nil {
		e.observe(kind, "failed", start)
		e.log.Error("reconciliation failed", "app_id", appID, "kind", kind, "error", err)
		return
	}
	e.observe(kind, "ok", start)
	e.log.Info("reconciliation completed",
		"app_id", appID,
		"kind", kind,
		"dependencies", len(res.Manifest),
		"enriched", res.Enriched,
		"vulnerabilities", res.VulnerabilityCount,
		"duration", time.Since(start))
}

func (e *Engine) observe(kind, result string, start time.Time) {
	metrics.ReconcileTotal.WithLabelValues(kind, result).Inc()
	metrics.ReconcileDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	pkgs, versions := e.index.Stats()
	metrics.IndexPackages.Set(float64(pkgs))
	metrics.IndexVersions.Set(float64(versions))
}
