// Package registry keeps applications and the users owning them.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/vulntrack/internal/apperr"
	"github.com/google/uuid"
)

// Status is the reconciliation state of an application.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusUpdating   Status = "updating"
	StatusCompleted  Status = "completed"
)

// Application is a copy of a registry record. Manifest maps package to
// pinned version.
type Application struct {
	ID                 string            `json:"id"`
	Owner              string            `json:"-"`
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	Status             Status            `json:"status"`
	VulnerabilityCount int               `json:"vulnerabilities"`
	Manifest           map[string]string `json:"-"`
	LastError          string            `json:"last_error,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Outcome is what a reconciliation job writes back.
type Outcome struct {
	Manifest           map[string]string
	VulnerabilityCount int
	// Err is non-nil when enrichment failed; the status is then left as is.
	Err error
}

type record struct {
	Application
	deleted bool
	// reconciliations submitted and not yet committed
	pending int
}

// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	apps   map[string]*record
	owners map[string]map[string]struct{}
	now    func() time.Time
}

func New() *Registry {
	return &Registry{
		apps:   make(map[string]*record),
		owners: make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

// Create registers a new application owned by owner in the processing state.
func (r *Registry) Create(owner, name, description string) Application {
	now := r.now()
	rec := &record{Application: Application{
		ID:          uuid.NewString(),
		Owner:       owner,
		Name:        name,
		Description: description,
		Status:      StatusProcessing,
		Manifest:    map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, pending: 1}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[rec.ID] = rec
	owned, ok := r.owners[owner]
	if !ok {
		owned = make(map[string]struct{})
		r.owners[owner] = owned
	}
	owned[rec.ID] = struct{}{}
	return rec.copy()
}

// Get returns the application if user owns it.
func (r *Registry) Get(id, user string) (Application, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.authorizeLocked(id, user)
	if err != nil {
		return Application{}, err
	}
	return rec.copy(), nil
}

// UpdateDetails overwrites name and description when given and non-empty.
// With manifestPending the application moves to the updating state until the
// queued reconciliation commits.
func (r *Registry) UpdateDetails(id, user string, name, description *string, manifestPending bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.authorizeLocked(id, user)
	if err != nil {
		return err
	}
	if name != nil && *name != "" {
		rec.Name = *name
	}
	if description != nil && *description != "" {
		rec.Description = *description
	}
	if manifestPending {
		rec.Status = StatusUpdating
		rec.pending++
	}
	rec.UpdatedAt = r.now()
	return nil
}

// UnknownCount is reported by Previous when the stored count is partial
// because the last reconciliation failed.
const UnknownCount = -1

// Previous returns the recorded manifest and count of a live application.
// Deleted or unknown applications report false.
func (r *Registry) Previous(id string) (map[string]string, int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.apps[id]
	if !ok || rec.deleted {
		return nil, 0, false
	}
	count := rec.VulnerabilityCount
	if rec.LastError != "" {
		count = UnknownCount
	}
	return copyManifest(rec.Manifest), count, true
}

// Commit stores the result of a reconciliation. The record is updated even
// when it was deleted meanwhile so the pending release sees the final
// manifest. The application completes only once no other reconciliation is
// queued behind this one.
func (r *Registry) Commit(id string, out Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.apps[id]
	if !ok {
		return fmt.Errorf("application %s: %w", id, apperr.ErrNotFound)
	}
	if rec.pending > 0 {
		rec.pending--
	}
	rec.Manifest = copyManifest(out.Manifest)
	rec.VulnerabilityCount = out.VulnerabilityCount
	if out.Err != nil {
		rec.LastError = out.Err.Error()
	} else {
		rec.LastError = ""
		if rec.pending == 0 {
			rec.Status = StatusCompleted
		}
	}
	rec.UpdatedAt = r.now()
	return nil
}

// Abandon forgets a reconciliation that was announced but never queued.
func (r *Registry) Abandon(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.apps[id]; ok && rec.pending > 0 {
		rec.pending--
	}
}

// MarkDeleted hides the application and removes it from its owner at once.
// The record stays until Purge so queued jobs can still release it.
func (r *Registry) MarkDeleted(id, user string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.authorizeLocked(id, user)
	if err != nil {
		return err
	}
	rec.deleted = true
	if owned, ok := r.owners[rec.Owner]; ok {
		delete(owned, id)
	}
	return nil
}

// Purge removes a record and returns the manifest it held.
func (r *Registry) Purge(id string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.apps[id]
	if !ok {
		return nil
	}
	delete(r.apps, id)
	if owned, ok := r.owners[rec.Owner]; ok {
		delete(owned, id)
	}
	return rec.Manifest
}

// List returns the user's applications ordered by creation time.
func (r *Registry) List(user string) []Application {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Application, 0, len(r.owners[user]))
	for id := range r.owners[user] {
		if rec, ok := r.apps[id]; ok && !rec.deleted {
			out = append(out, rec.copy())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// OwnedIDs returns the set of application ids owned by user.
func (r *Registry) OwnedIDs(user string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{}, len(r.owners[user]))
	for id := range r.owners[user] {
		out[id] = struct{}{}
	}
	return out
}

func (r *Registry) authorizeLocked(id, user string) (*record, error) {
	rec, ok := r.apps[id]
	if !ok || rec.deleted {
		return nil, fmt.Errorf("application %s: %w", id, apperr.ErrNotFound)
	}
	if rec.Owner != user {
		return nil, fmt.Errorf("application %s: %w", id, apperr.ErrForbidden)
	}
	return rec, nil
}

func (rec *record) copy() Application {
	a := rec.Application
	a.Manifest = copyManifest(rec.Manifest)
	return a
}

func copyManifest(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
