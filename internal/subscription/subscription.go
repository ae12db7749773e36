// Package subscription implements the Subscription Engine (C5, spec §4.5):
// topic/subscription registration, trigger evaluation on every Resource
// Store write, atomic contiguous event numbering, and notification Bundle
// construction per content level.
//
// Grounded on internal/platform/fhir/subscription_topic.go
// (SubscriptionTopicEngine, RegisterTopic/Subscribe/Evaluate,
// buildNotificationBundle, RegisterBuiltInTopics), generalized from the
// teacher's SQL/echo-specific engine into one driven by fhirmodel's
// language-neutral ParsedSubscriptionTopic/Subscription records and the
// store.Change mailbox instead of a direct DB-polling loop.
package subscription

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusfhir/server/internal/fhirmodel"
	"github.com/nimbusfhir/server/internal/pathcompiler"
	"github.com/nimbusfhir/server/internal/store"
)

// Event is a Subscription Event (spec §3). Events are immutable once
// registered; re-registration with an existing number overwrites — a
// deliberate idempotence window, preserved per §9's design note rather than
// redesigned away.
type Event struct {
	SubscriptionID     string
	TopicURL           string
	EventNumber        int64
	Timestamp          time.Time
	StatusAtGeneration fhirmodel.SubscriptionStatusCode
	Focus              fhirmodel.Resource
	AdditionalContext  []fhirmodel.Resource
}

// Live wraps a parsed Subscription with the engine-owned lifecycle state
// spec §3 attaches to it: currentStatus, expirationTicks,
// lastCommunicationTicks, currentEventCount, generatedEvents,
// notificationErrors.
type Live struct {
	Parsed fhirmodel.Subscription

	mu                     sync.Mutex
	Status                 fhirmodel.SubscriptionStatusCode
	ExpirationTicks        time.Time
	LastCommunicationTicks time.Time
	NotificationErrors     []string
	consecutiveFailures    int

	eventCount int64 // atomic, incremented under eventsMu for contiguity
	eventsMu   sync.Mutex
	Events     map[int64]*Event
}

func newLive(parsed fhirmodel.Subscription) *Live {
	return &Live{
		Parsed:   parsed,
		Status:   fhirmodel.StatusRequested,
		Events:   make(map[int64]*Event),
	}
}

// IncrementEventCount atomically assigns the next event number and
// registers ev under it; generation and registration are atomic together so
// Events.keys form a contiguous prefix of ℕ starting at 1 (spec §8
// invariant 3, spec §4.5 "Event numbering invariant").
func (l *Live) IncrementEventCount(build func(eventNumber int64) *Event) *Event {
	l.eventsMu.Lock()
	defer l.eventsMu.Unlock()
	l.eventCount++
	ev := build(l.eventCount)
	l.Events[l.eventCount] = ev
	return ev
}

// CurrentEventCount returns the last assigned event number.
func (l *Live) CurrentEventCount() int64 {
	l.eventsMu.Lock()
	defer l.eventsMu.Unlock()
	return l.eventCount
}

// RecordSuccess marks a successful delivery, advancing
// LastCommunicationTicks and resetting the consecutive-failure counter
// (spec §4.6: "unsuccessful heartbeats do not bump the clock").
func (l *Live) RecordSuccess(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LastCommunicationTicks = now
	l.consecutiveFailures = 0
	if l.Status == fhirmodel.StatusRequested {
		l.Status = fhirmodel.StatusActive
	}
}

// RecordFailure appends a timestamped error and transitions to "error"
// after three consecutive failures (spec §4.6 error policy).
func (l *Live) RecordFailure(now time.Time, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.NotificationErrors = append(l.NotificationErrors, fmt.Sprintf("%s: %s", now.UTC().Format(time.RFC3339), reason))
	l.consecutiveFailures++
	if l.consecutiveFailures >= 3 {
		l.Status = fhirmodel.StatusError
	}
}

// SetStatus forces the subscription into status (explicit stop, expiry).
func (l *Live) SetStatus(status fhirmodel.SubscriptionStatusCode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Status = status
}

// StatusSnapshot returns the current status under lock.
func (l *Live) StatusSnapshot() fhirmodel.SubscriptionStatusCode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Status
}

// Expired reports whether now is past ExpirationTicks (a zero
// ExpirationTicks means no expiry).
func (l *Live) Expired(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.ExpirationTicks.IsZero() && now.After(l.ExpirationTicks)
}

// TypeSearcher executes an in-memory type search used for a trigger's
// queryPrevious/queryCurrent criteria (spec §4.5): "execute them as
// type-searches with the focus resource injected as _id". It returns
// whether any resource matched.
type TypeSearcher func(resourceType, query string, focus fhirmodel.Resource) (bool, error)

// Engine is the Subscription Engine (C5): one instance per tenant,
// composed by the Tenant Store (C7).
type Engine struct {
	adapter  fhirmodel.Adapter
	compiler *pathcompiler.Compiler
	resolver fhirmodel.ResolverFn
	search   TypeSearcher

	mu            sync.RWMutex
	topics        map[string]*fhirmodel.SubscriptionTopic // by id
	topicsByURL   map[string]*fhirmodel.SubscriptionTopic
	subscriptions map[string]*Live // by id
	byTopic       map[string][]*Live
}

// Dispatch is implemented by the Notification Dispatcher (C6); the engine
// hands it every Subscription Event it generates.
type Dispatch interface {
	EventNotification(sub *Live, events []*Event)
}

// New constructs an Engine. resolver is supplied late (after the tenant's
// Resource Stores exist) via SetResolver, per the store/adapter cycle-break
// design note (§9): the engine itself has no pointer back to the store.
func New(adapter fhirmodel.Adapter, compiler *pathcompiler.Compiler, search TypeSearcher) *Engine {
	return &Engine{
		adapter:       adapter,
		compiler:      compiler,
		search:        search,
		topics:        make(map[string]*fhirmodel.SubscriptionTopic),
		topicsByURL:   make(map[string]*fhirmodel.SubscriptionTopic),
		subscriptions: make(map[string]*Live),
		byTopic:       make(map[string][]*Live),
	}
}

// SetResolver installs the reference resolver used by FHIRPath criteria
// evaluation (e.g. %current.subject.resolve()).
func (e *Engine) SetResolver(r fhirmodel.ResolverFn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolver = r
}

// RegisterTopic adds or replaces a topic.
func (e *Engine) RegisterTopic(t *fhirmodel.SubscriptionTopic) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	e.topics[t.ID] = t
	if t.URL != "" {
		e.topicsByURL[t.URL] = t
	}
}

// Topic looks up a registered topic by id.
func (e *Engine) Topic(id string) (*fhirmodel.SubscriptionTopic, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.topics[id]
	return t, ok
}

// TopicByURL looks up a registered topic by canonical url.
func (e *Engine) TopicByURL(url string) (*fhirmodel.SubscriptionTopic, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.topicsByURL[url]
	return t, ok
}

// ErrUnknownTopic is returned by Subscribe when topicUrl names no
// registered topic.
var ErrUnknownTopic = fmt.Errorf("subscription: unknown topic")

// ErrInvalidChannel is returned by Subscribe for an unsupported channel
// type or content level.
var ErrInvalidChannel = fmt.Errorf("subscription: invalid channel or content level")

var validChannels = map[string]bool{"rest-hook": true, "email": true, "zulip": true}
var validContentLevels = map[fhirmodel.ContentLevel]bool{
	fhirmodel.ContentEmpty: true, fhirmodel.ContentIDOnly: true, fhirmodel.ContentFullResource: true,
}

// Subscribe registers parsed as a live subscription against its topic,
// validating channel type, content level, and that its filters are allowed
// by the topic's canFilterBy list (spec §4.5).
func (e *Engine) Subscribe(parsed fhirmodel.Subscription) (*Live, error) {
	topic, ok := e.TopicByURL(parsed.TopicURL)
	if !ok {
		return nil, ErrUnknownTopic
	}
	if !validChannels[parsed.Channel.System] || !validContentLevels[parsed.ContentLevel] {
		return nil, ErrInvalidChannel
	}
	if err := validateFilters(topic, parsed.Filters); err != nil {
		return nil, err
	}

	live := newLive(parsed)
	live.ExpirationTicks = time.Time{}
	if live.Parsed.ID == "" {
		live.Parsed.ID = uuid.NewString()
	}

	e.mu.Lock()
	e.subscriptions[live.Parsed.ID] = live
	e.byTopic[topic.URL] = append(e.byTopic[topic.URL], live)
	e.mu.Unlock()

	return live, nil
}

func validateFilters(topic *fhirmodel.SubscriptionTopic, filters map[string][]fhirmodel.SubscriptionFilter) error {
	for resourceType, fs := range filters {
		allowed := map[string]bool{}
		for _, af := range topic.AllowedFilters[resourceType] {
			allowed[af.FilterName] = true
		}
		for _, f := range fs {
			if !allowed[f.Name] {
				return fmt.Errorf("%w: filter %q not allowed for %s on topic %s", ErrInvalidChannel, f.Name, resourceType, topic.URL)
			}
		}
	}
	return nil
}

// Unsubscribe sets a subscription's status to "off" and removes it from
// active dispatch (spec §4.5 lifecycle: explicit stop).
func (e *Engine) Unsubscribe(id string) {
	e.mu.RLock()
	live, ok := e.subscriptions[id]
	e.mu.RUnlock()
	if ok {
		live.SetStatus(fhirmodel.StatusOff)
	}
}

// Subscription returns the live subscription by id.
func (e *Engine) Subscription(id string) (*Live, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.subscriptions[id]
	return l, ok
}

// AllSubscriptions returns a snapshot of every live subscription, used by
// the heartbeat scheduler.
func (e *Engine) AllSubscriptions() []*Live {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Live, 0, len(e.subscriptions))
	for _, l := range e.subscriptions {
		out = append(out, l)
	}
	return out
}
