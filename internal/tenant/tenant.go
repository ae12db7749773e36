// Package tenant implements the Tenant Store (C7, spec §4.7): the
// per-tenant composition root that owns one Resource Store per resource
// type, the Search Engine evaluator, the Subscription Engine, the
// Notification Dispatcher, and the cached capability statement.
//
// Grounded on internal/domain's per-resource handler wiring pattern (each
// teacher domain package owns its Postgres repo + Echo handler pair) and on
// internal/platform/auth/smart_launch.go's tenant-scoped SMART state,
// generalized into one struct so a single process can host many tenants
// (spec §3 Tenant, §9 "SMART Auth Manager state is owned per-tenant, not a
// global singleton").
package tenant

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/nimbusfhir/server/internal/fhirmodel"
	"github.com/nimbusfhir/server/internal/notify"
	"github.com/nimbusfhir/server/internal/pathcompiler"
	"github.com/nimbusfhir/server/internal/search"
	"github.com/nimbusfhir/server/internal/store"
	"github.com/nimbusfhir/server/internal/subscription"
)

// Config is a tenant's static configuration (spec §3 Tenant).
type Config struct {
	Name               string
	BaseURL            string
	FHIRVersion        fhirmodel.Version
	SupportedFormats   []fhirmodel.MimeType
	BootstrapDir       string
	SmartRequired      bool
	SmartAllowed       bool
	ResourceCap        int // 0 means unbounded
}

// Tenant composes C2 through C6 for one named tenant.
type Tenant struct {
	Config   Config
	Adapter  fhirmodel.Adapter
	Sub      *subscription.Engine
	Dispatch *notify.Dispatcher

	compiler *pathcompiler.Compiler
	mailbox  chan store.Change

	mu     sync.RWMutex
	stores map[string]*store.ResourceStore

	capMu       sync.Mutex
	capStale    bool
	capStmt     fhirmodel.Resource
}

// New constructs a Tenant and starts its mailbox consumer goroutine, which
// feeds every committed store.Change into the Subscription Engine (spec
// §4.5 "Each Resource Store write invokes the engine").
func New(cfg Config, compiler *pathcompiler.Compiler, dispatch *notify.Dispatcher) *Tenant {
	adapter := fhirmodel.NewAdapter(cfg.FHIRVersion, compiler)
	t := &Tenant{
		Config:   cfg,
		Adapter:  adapter,
		compiler: compiler,
		Dispatch: dispatch,
		mailbox:  make(chan store.Change, 256),
		stores:   make(map[string]*store.ResourceStore),
		capStale: true,
	}
	t.Sub = subscription.New(adapter, compiler, t.typeSearch)
	t.Sub.SetResolver(t.resolve)
	go t.consumeMailbox()
	return t
}

func (t *Tenant) consumeMailbox() {
	for change := range t.mailbox {
		t.invalidateCapabilityStatement()
		switch change.Kind {
		case store.Created:
			t.Sub.ProcessCreate(change.Current, t.Dispatch)
		case store.Updated:
			t.Sub.ProcessUpdate(change.Previous, change.Current, t.Dispatch)
		case store.Deleted:
			t.Sub.ProcessDelete(change.Previous, t.Dispatch)
		}
	}
}

// Store returns (lazily creating) the ResourceStore for resourceType,
// seeded with the default search-parameter registry (spec §4.3, §4.7).
func (t *Tenant) Store(resourceType string) *store.ResourceStore {
	t.mu.RLock()
	s, ok := t.stores[resourceType]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.stores[resourceType]; ok {
		return s
	}
	s = store.New(resourceType, t.mailbox)
	for _, def := range search.DefaultSearchParams(resourceType) {
		s.SetExecutableSearchParameter(def)
	}
	t.stores[resourceType] = s
	t.invalidateCapabilityStatement()
	return s
}

// KnownTypes returns every resource type a store has been created for, used
// by the capability statement and system-level history/search.
func (t *Tenant) KnownTypes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.stores))
	for rt := range t.stores {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}

// TotalResourceCount sums live instances across every store, used to
// enforce Config.ResourceCap (spec §3 Tenant).
func (t *Tenant) TotalResourceCount() int {
	t.mu.RLock()
	stores := make([]*store.ResourceStore, 0, len(t.stores))
	for _, s := range t.stores {
		stores = append(stores, s)
	}
	t.mu.RUnlock()
	total := 0
	for _, s := range stores {
		total += s.Count()
	}
	return total
}

// ErrCapacityExceeded is returned by CheckCapacity when a write would push
// the tenant over its resource cap.
var ErrCapacityExceeded = fmt.Errorf("tenant: resource cap exceeded")

// CheckCapacity returns ErrCapacityExceeded if adding one more resource
// would exceed Config.ResourceCap (0 disables the check).
func (t *Tenant) CheckCapacity() error {
	if t.Config.ResourceCap <= 0 {
		return nil
	}
	if t.TotalResourceCount() >= t.Config.ResourceCap {
		return ErrCapacityExceeded
	}
	return nil
}

// resolve implements fhirmodel.ResolverFn by looking up a "Type/id" (or
// absolute-URL-suffixed) reference across every per-type store this tenant
// owns (spec §9: "a resolver function rather than a shared pointer graph").
func (t *Tenant) resolve(reference string) (fhirmodel.Resource, bool) {
	resourceType, id := splitReference(reference)
	if resourceType == "" || id == "" {
		return nil, false
	}
	t.mu.RLock()
	s, ok := t.stores[resourceType]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	res := s.InstanceRead(id)
	if res == nil {
		return nil, false
	}
	return res, true
}

func splitReference(ref string) (resourceType, id string) {
	ref = strings.TrimPrefix(ref, "urn:uuid:")
	if idx := strings.LastIndexByte(ref, '/'); idx >= 0 {
		id = ref[idx+1:]
		rest := ref[:idx]
		if slash := strings.LastIndexByte(rest, '/'); slash >= 0 {
			resourceType = rest[slash+1:]
		} else {
			resourceType = rest
		}
	}
	return resourceType, id
}

func (t *Tenant) invalidateCapabilityStatement() {
	t.capMu.Lock()
	t.capStale = true
	t.capMu.Unlock()
}

// CapabilityStatement returns the tenant's CapabilityStatement resource,
// recomputing it lazily on the first read after any store mutation (spec §9
// fix: "the cached capability statement must be recomputed when stale, not
// left permanently cached after the first read" — the teacher's cache was
// never invalidated).
func (t *Tenant) CapabilityStatement() fhirmodel.Resource {
	t.capMu.Lock()
	defer t.capMu.Unlock()
	if !t.capStale && t.capStmt != nil {
		return t.capStmt
	}
	t.capStmt = t.buildCapabilityStatement()
	t.capStale = false
	return t.capStmt
}

func (t *Tenant) buildCapabilityStatement() fhirmodel.Resource {
	types := t.KnownTypes()
	resources := make([]map[string]interface{}, 0, len(types))
	for _, rt := range types {
		resources = append(resources, map[string]interface{}{
			"type": rt,
			"interaction": []map[string]interface{}{
				{"code": "read"}, {"code": "vread"}, {"code": "update"},
				{"code": "patch"}, {"code": "delete"}, {"code": "create"},
				{"code": "search-type"}, {"code": "history-instance"},
			},
		})
	}
	formats := make([]string, 0, len(t.Config.SupportedFormats))
	for _, f := range t.Config.SupportedFormats {
		formats = append(formats, string(f))
	}
	return fhirmodel.Resource{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"kind":         "instance",
		"fhirVersion":  string(t.Config.FHIRVersion),
		"format":       formats,
		"rest": []map[string]interface{}{
			{"mode": "server", "resource": resources},
		},
	}
}

// typeSearch executes a type search for the subscription engine's
// queryPrevious/queryCurrent criteria, with focus injected as _id (spec
// §4.5).
func (t *Tenant) typeSearch(resourceType, query string, focus fhirmodel.Resource) (bool, error) {
	values, err := url.ParseQuery(query)
	if err != nil {
		return false, fmt.Errorf("tenant: parse query criteria %q: %w", query, err)
	}
	values.Set("_id", focus.ID())
	bundle, err := t.Search(resourceType, values)
	if err != nil {
		return false, err
	}
	return bundle.Total > 0, nil
}
