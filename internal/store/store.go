// Package store implements the Resource Store (C3, spec §4.3): an
// in-memory, versioned, per-(tenant,resourceType) CRUD store with event
// emission. Grounded on the teacher's domain-package CRUD handlers (e.g.
// internal/domain/encounter/handler.go) generalized away from
// per-resource-type Postgres models into one generic store parametrized by
// resourceType and the Version Adapter capability (C2), per the exercise's
// "keep HOW, replace WHAT" rule: the teacher expressed CRUD as ~100 bespoke
// Go types backed by SQL; this store expresses the same lifecycle
// (create assigns id+version 1, update increments version, delete removes,
// every write emits an event) against a single in-memory map.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusfhir/server/internal/fhirmodel"
)

// ChangeKind tags an emitted change record (spec §9: "explicit channel-based
// event mailbox" rather than synchronous OnChanged handlers).
type ChangeKind int

const (
	Created ChangeKind = iota
	Updated
	Deleted
)

// Change is one entry sent on a Resource Store's mailbox, the channel
// passed to New. The mailbox is not unbounded: a write blocks in emit
// while that channel is full.
type Change struct {
	Kind         ChangeKind
	ResourceType string
	Previous     fhirmodel.Resource // nil for Created
	Current      fhirmodel.Resource // nil for Deleted
}

// ErrNotFound is returned by InstanceRead/Update/Delete when the id is
// absent.
var ErrNotFound = fmt.Errorf("store: resource not found")

// ErrIDCollision is returned by InstanceCreate when allowExistingId is true
// and the supplied id is already present.
var ErrIDCollision = fmt.Errorf("store: id already exists")

// ErrEmptyID is returned by InstanceUpdate when the source carries no id.
var ErrEmptyID = fmt.Errorf("store: update requires a non-empty id")

// SearchParamDefinition is an executable search-parameter registry entry
// (spec §4.3): a compiled-path-backed parameter the Search Engine (C4) can
// evaluate.
type SearchParamDefinition struct {
	Name       string
	Type       string // number|date|string|token|reference|quantity|uri|composite|special
	Expression string
	Target     []string // for reference params, allowed target resource types
}

// ResourceStore is one instance per (tenant, resourceType) (spec §4.3).
type ResourceStore struct {
	mu           sync.RWMutex
	resourceType string
	resources    map[string]fhirmodel.Resource
	searchParams map[string]SearchParamDefinition
	includes     map[string]bool // executable _include tokens "param" or "param:Target"
	revIncludes  map[string]bool

	mailbox chan<- Change
}

// New constructs an empty ResourceStore for resourceType. mailbox, if
// non-nil, receives every committed Change after the store's lock is
// released (spec §4.3: "Event emission happens after the state transition
// is committed"; spec §5: lock released before event emission).
func New(resourceType string, mailbox chan<- Change) *ResourceStore {
	return &ResourceStore{
		resourceType: resourceType,
		resources:    make(map[string]fhirmodel.Resource),
		searchParams: make(map[string]SearchParamDefinition),
		includes:     make(map[string]bool),
		revIncludes:  make(map[string]bool),
		mailbox:      mailbox,
	}
}

// InstanceRead returns the stored resource for id, or nil if absent.
func (s *ResourceStore) InstanceRead(id string) fhirmodel.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[id]
	if !ok {
		return nil
	}
	return r
}

// Count returns the number of live instances, used for a tenant's resource
// cap (spec §3 Tenant).
func (s *ResourceStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources)
}

// All returns every stored resource, snapshotted under the read lock (used
// by system-level search/history and subscription query-criteria
// evaluation).
func (s *ResourceStore) All() []fhirmodel.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fhirmodel.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r)
	}
	return out
}

// InstanceCreate stores source as a new instance (spec §4.3). If
// allowExistingId is false or source carries no id, a fresh UUID is
// assigned. Create fails with ErrIDCollision if allowExistingId is true and
// the id is already present.
func (s *ResourceStore) InstanceCreate(source fhirmodel.Resource, allowExistingId bool) (fhirmodel.Resource, error) {
	current, change, err := s.create(source, allowExistingId)
	if err != nil {
		return nil, err
	}
	s.emit(change)
	return current, nil
}

func (s *ResourceStore) create(source fhirmodel.Resource, allowExistingId bool) (fhirmodel.Resource, Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := source.ID()
	if !allowExistingId || id == "" {
		id = uuid.NewString()
		source.SetID(id)
	} else if _, exists := s.resources[id]; exists {
		return nil, Change{}, ErrIDCollision
	}

	source.SetVersionID("1")
	source.SetLastUpdated(time.Now().UTC())
	s.resources[id] = source

	return source, Change{Kind: Created, ResourceType: s.resourceType, Current: source}, nil
}

// InstanceUpdate replaces the instance identified by source's id (spec
// §4.3). Version becomes oldVersion+1 (or "1" if the previous version is
// unparseable); lastUpdated is set to the write wall-clock.
func (s *ResourceStore) InstanceUpdate(source fhirmodel.Resource) (fhirmodel.Resource, error) {
	current, change, err := s.update(source)
	if err != nil {
		return nil, err
	}
	s.emit(change)
	return current, nil
}

func (s *ResourceStore) update(source fhirmodel.Resource) (fhirmodel.Resource, Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := source.ID()
	if id == "" {
		return nil, Change{}, ErrEmptyID
	}
	previous, exists := s.resources[id]
	if !exists {
		return nil, Change{}, ErrNotFound
	}

	source.SetVersionID(nextVersion(previous.VersionID()))
	source.SetLastUpdated(time.Now().UTC())
	s.resources[id] = source

	return source, Change{Kind: Updated, ResourceType: s.resourceType, Previous: previous, Current: source}, nil
}

// InstanceUpsert performs a conditional-update-as-create: if id is absent,
// behaves like InstanceCreate with the caller-supplied id honored.
func (s *ResourceStore) InstanceUpsert(source fhirmodel.Resource) (fhirmodel.Resource, bool, error) {
	id := source.ID()
	s.mu.RLock()
	_, exists := s.resources[id]
	s.mu.RUnlock()
	if !exists {
		res, err := s.InstanceCreate(source, true)
		return res, true, err
	}
	res, err := s.InstanceUpdate(source)
	return res, false, err
}

// InstanceDelete removes id, emitting a Deleted Change with the prior
// value. Deleting an absent id is a no-op that returns ErrNotFound; history
// is not retained (spec §3: "history is not retained by the core").
func (s *ResourceStore) InstanceDelete(id string) (fhirmodel.Resource, error) {
	previous, change, err := s.delete(id)
	if err != nil {
		return nil, err
	}
	s.emit(change)
	return previous, nil
}

func (s *ResourceStore) delete(id string) (fhirmodel.Resource, Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, exists := s.resources[id]
	if !exists {
		return nil, Change{}, ErrNotFound
	}
	delete(s.resources, id)
	return previous, Change{Kind: Deleted, ResourceType: s.resourceType, Previous: previous}, nil
}

func (s *ResourceStore) emit(change Change) {
	if s.mailbox == nil {
		return
	}
	s.mailbox <- change
}

// nextVersion increments a decimal version-id string; an unparseable
// previous version resets to "1" (spec §3 Resource Store Invariants).
func nextVersion(prev string) string {
	n := 0
	for _, c := range prev {
		if c < '0' || c > '9' {
			return "1"
		}
		n = n*10 + int(c-'0')
	}
	if prev == "" {
		return "1"
	}
	return fmt.Sprintf("%d", n+1)
}

// SetExecutableSearchParameter registers or replaces a search-parameter
// definition (spec §4.3).
func (s *ResourceStore) SetExecutableSearchParameter(def SearchParamDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchParams[def.Name] = def
}

// RemoveExecutableSearchParameter unregisters a search-parameter
// definition.
func (s *ResourceStore) RemoveExecutableSearchParameter(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.searchParams, name)
}

// SearchParam returns the registered definition for name, if any.
func (s *ResourceStore) SearchParam(name string) (SearchParamDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.searchParams[name]
	return def, ok
}

// SearchParams returns a snapshot of all registered search-parameter
// definitions.
func (s *ResourceStore) SearchParams() map[string]SearchParamDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]SearchParamDefinition, len(s.searchParams))
	for k, v := range s.searchParams {
		out[k] = v
	}
	return out
}

// ResourceType returns the resource type this store holds.
func (s *ResourceStore) ResourceType() string { return s.resourceType }
