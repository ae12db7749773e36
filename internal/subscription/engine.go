package subscription

import (
	"strings"
	"time"

	"github.com/nimbusfhir/server/internal/fhirmodel"
)

// ProcessCreate implements TestCreateAgainstSubscriptions (spec §4.5): for
// every topic trigger on current's type with onCreate=true, evaluate the
// trigger against (previous=nil, current) and fan out to matching
// subscriptions.
func (e *Engine) ProcessCreate(current fhirmodel.Resource, dispatch Dispatch) {
	e.processWrite(nil, current, func(t fhirmodel.ResourceTrigger) bool { return t.OnCreate }, dispatch)
}

// ProcessUpdate implements TestUpdateAgainstSubscriptions.
func (e *Engine) ProcessUpdate(previous, current fhirmodel.Resource, dispatch Dispatch) {
	e.processWrite(previous, current, func(t fhirmodel.ResourceTrigger) bool { return t.OnUpdate }, dispatch)
}

// ProcessDelete implements TestDeleteAgainstSubscriptions. The focus
// resource is the deleted (previous) value; there is no "current".
func (e *Engine) ProcessDelete(previous fhirmodel.Resource, dispatch Dispatch) {
	e.processWrite(previous, nil, func(t fhirmodel.ResourceTrigger) bool { return t.OnDelete }, dispatch)
}

func (e *Engine) processWrite(previous, current fhirmodel.Resource, wants func(fhirmodel.ResourceTrigger) bool, dispatch Dispatch) {
	focus := current
	isDelete := current == nil
	if isDelete {
		focus = previous
	}
	resourceType := focus.ResourceType()

	e.mu.RLock()
	topics := make([]*fhirmodel.SubscriptionTopic, 0, len(e.topics))
	for _, t := range e.topics {
		topics = append(topics, t)
	}
	e.mu.RUnlock()

	for _, topic := range topics {
		for _, trigger := range topic.ResourceTriggers[resourceType] {
			if !wants(trigger) {
				continue
			}
			passed, err := e.evaluateTrigger(trigger, previous, current, isDelete)
			if err != nil || !passed {
				continue
			}
			e.fanOut(topic, focus, dispatch)
		}
	}
}

// evaluateTrigger implements spec §4.5 "Trigger evaluation": the
// create/delete auto-pass/fail shortcuts first, then FHIRPath criteria if
// present, otherwise query criteria.
func (e *Engine) evaluateTrigger(trigger fhirmodel.ResourceTrigger, previous, current fhirmodel.Resource, isDelete bool) (bool, error) {
	if isDelete {
		if trigger.DeleteAutoPass {
			return true, nil
		}
		if trigger.DeleteAutoFail {
			return false, nil
		}
	} else if previous == nil {
		if trigger.CreateAutoPass {
			return true, nil
		}
		if trigger.CreateAutoFail {
			return false, nil
		}
	}

	if trigger.FHIRPathCriteria != "" {
		return e.evaluateFHIRPathCriteria(trigger.FHIRPathCriteria, previous, current)
	}

	if trigger.QueryCurrent != "" || trigger.QueryPrevious != "" {
		return e.evaluateQueryCriteria(trigger, previous, current, isDelete)
	}

	// No criteria at all: the bare supportedInteraction flag is sufficient.
	return true, nil
}

func (e *Engine) evaluateFHIRPathCriteria(expr string, previous, current fhirmodel.Resource) (bool, error) {
	focus := current
	if focus == nil {
		focus = previous
	}
	focusJSON, err := focus.JSON()
	if err != nil {
		return false, err
	}
	vars := map[string]fhirmodel.ElementValue{}
	if previous != nil {
		vars["previous"] = toElementValue(previous)
	} else {
		vars["previous"] = fhirmodel.ElementValue{}
	}
	if current != nil {
		vars["current"] = toElementValue(current)
	} else {
		vars["current"] = fhirmodel.ElementValue{}
	}
	te := e.adapter.ToTypedElement(fhirmodel.Resource(mustDecode(focusJSON)), e.resolver)
	results, err := e.adapter.EvaluatePath(te, expr, vars)
	if err != nil {
		return false, err
	}
	if len(results) == 0 {
		return false, nil
	}
	return results[0].IsBool && results[0].Bool, nil
}

func toElementValue(r fhirmodel.Resource) fhirmodel.ElementValue {
	return fhirmodel.ElementValue{IsObject: true, Object: map[string]interface{}(r)}
}

func mustDecode(raw []byte) fhirmodel.Resource {
	r, err := fhirmodel.ParseResourceJSON(raw)
	if err != nil {
		return fhirmodel.Resource{}
	}
	return r
}

// evaluateQueryCriteria runs queryPrevious/queryCurrent as type-searches
// with the focus resource injected as _id (spec §4.5).
func (e *Engine) evaluateQueryCriteria(trigger fhirmodel.ResourceTrigger, previous, current fhirmodel.Resource, isDelete bool) (bool, error) {
	if e.search == nil {
		return true, nil
	}
	var prevPass, currPass = true, true
	var err error
	if trigger.QueryPrevious != "" && previous != nil {
		prevPass, err = e.search(trigger.ResourceType, trigger.QueryPrevious, previous)
		if err != nil {
			return false, err
		}
	}
	if trigger.QueryCurrent != "" && current != nil {
		currPass, err = e.search(trigger.ResourceType, trigger.QueryCurrent, current)
		if err != nil {
			return false, err
		}
	}
	if trigger.RequireBothQueries {
		return prevPass && currPass, nil
	}
	if isDelete {
		return prevPass, nil
	}
	return currPass, nil
}

// fanOut evaluates every subscription on topic against focus, and for each
// match atomically assigns an event number and hands it to the dispatcher
// (spec §4.5: "call IncrementEventCount() ... create a SubscriptionEvent
// ... register it, and hand it to the Notification Dispatcher").
func (e *Engine) fanOut(topic *fhirmodel.SubscriptionTopic, focus fhirmodel.Resource, dispatch Dispatch) {
	e.mu.RLock()
	subs := append([]*Live(nil), e.byTopic[topic.URL]...)
	e.mu.RUnlock()

	for _, live := range subs {
		if live.StatusSnapshot() == fhirmodel.StatusOff {
			continue
		}
		if !matchesSubscriptionFilters(live.Parsed.Filters[focus.ResourceType()], focus) {
			continue
		}
		shape := topic.NotificationShapes[focus.ResourceType()]
		additional := e.resolveAdditionalContext(shape, focus)

		ev := live.IncrementEventCount(func(n int64) *Event {
			return &Event{
				SubscriptionID:     live.Parsed.ID,
				TopicURL:           topic.URL,
				EventNumber:        n,
				Timestamp:          time.Now().UTC(),
				StatusAtGeneration: live.StatusSnapshot(),
				Focus:              focus.Clone(),
				AdditionalContext:  additional,
			}
		})
		if dispatch != nil {
			dispatch.EventNotification(live, []*Event{ev})
		}
	}
}

// matchesSubscriptionFilters ANDs across every filter clause for the
// resource type (spec §4.5). eq/in/not-in are supported comparators.
func matchesSubscriptionFilters(filters []fhirmodel.SubscriptionFilter, focus fhirmodel.Resource) bool {
	for _, f := range filters {
		val, _ := focus[f.Name].(string)
		switch f.Modifier {
		case "not-in":
			if val == f.Value {
				return false
			}
		case "in":
			if val != f.Value {
				return false
			}
		default:
			if f.Value != "" && val != f.Value {
				return false
			}
		}
	}
	return true
}

// resolveAdditionalContext resolves the topic's notification-shape includes
// for focus, via the resolver (e.g. subject -> Patient). revIncludes are
// left to the Tenant Store's fuller Search Engine wiring in the HTTP-facing
// bundle builder; the engine-level context here covers simple _include
// shapes ("ResourceType:param", spec §3 Parsed Subscription Topic
// notification shape) that resolve a single reference field without
// requiring a cross-type search.
func (e *Engine) resolveAdditionalContext(shape fhirmodel.NotificationShape, focus fhirmodel.Resource) []fhirmodel.Resource {
	if e.resolver == nil {
		return nil
	}
	var out []fhirmodel.Resource
	for _, inc := range shape.Includes {
		parts := strings.SplitN(inc, ":", 3)
		if len(parts) < 2 || parts[0] != focus.ResourceType() {
			continue
		}
		ref := referenceString(focus[parts[1]])
		if ref == "" {
			continue
		}
		if res, ok := e.resolver(ref); ok {
			out = append(out, res)
		}
	}
	return out
}

// referenceString extracts a "Type/id" reference from either a plain
// string field or a FHIR Reference object ({"reference": "Type/id"}).
func referenceString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]interface{}:
		ref, _ := val["reference"].(string)
		return ref
	default:
		return ""
	}
}
