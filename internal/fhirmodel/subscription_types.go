package fhirmodel

// This file implements the Adapter's SubscriptionTopic/Subscription/
// notification-Bundle parsers (spec §4.2, §3). The wire shape of these
// resources is the R5 SubscriptionTopic/Subscription backport regardless of
// a tenant's overall FHIR version literal, so one parser serves all three
// Adapter instances — grounded on the teacher's
// internal/platform/fhir/subscription_topic.go type set, generalized from
// the teacher's SQL-era structs into the language-neutral records spec §3
// names.

// ResourceTrigger is one trigger clause of a SubscriptionTopic (spec §3).
type ResourceTrigger struct {
	ResourceType       string
	OnCreate           bool
	OnUpdate           bool
	OnDelete           bool
	QueryPrevious      string
	QueryCurrent       string
	RequireBothQueries bool
	CreateAutoPass     bool
	CreateAutoFail     bool
	DeleteAutoPass     bool
	DeleteAutoFail     bool
	FHIRPathCriteria   string
}

// AllowedFilter is one entry of a topic's canFilterBy list.
type AllowedFilter struct {
	ResourceType string
	FilterName   string
}

// NotificationShape describes the includes/revIncludes a topic attaches to
// full-resource notifications for a resource type.
type NotificationShape struct {
	ResourceType string
	Includes     []string
	RevIncludes  []string
}

// SubscriptionTopic is the Parsed Subscription Topic record (spec §3).
type SubscriptionTopic struct {
	ID                 string
	URL                string
	ResourceTriggers   map[string][]ResourceTrigger
	EventTriggers      map[string][]string
	AllowedFilters     map[string][]AllowedFilter
	NotificationShapes map[string]NotificationShape
}

// SubscriptionFilter is one `filters[resourceType]` clause (spec §3).
type SubscriptionFilter struct {
	Name     string
	Modifier string
	Value    string
}

// ContentLevel is the `contentLevel` enum on a Subscription (spec §3).
type ContentLevel string

const (
	ContentEmpty        ContentLevel = "empty"
	ContentIDOnly       ContentLevel = "id-only"
	ContentFullResource ContentLevel = "full-resource"
)

// SubscriptionStatusCode is the lifecycle state machine value (spec §4.5).
type SubscriptionStatusCode string

const (
	StatusRequested SubscriptionStatusCode = "requested"
	StatusActive    SubscriptionStatusCode = "active"
	StatusError     SubscriptionStatusCode = "error"
	StatusOff       SubscriptionStatusCode = "off"
)

// Subscription is the immutable parse of a Subscription resource body
// (spec §3). Lifecycle state (status, event count, generated events,
// delivery errors) is engine-owned and lives in subscription.Live, which
// wraps a Subscription — the Subscription Engine (C5) is the sole owner of
// that lifecycle, not the Version Adapter.
type Subscription struct {
	ID          string
	TopicURL    string
	Filters     map[string][]SubscriptionFilter
	Channel     ChannelConfig
	ContentType string
	ContentLevel

	MaxEventsPerNotification int
}

// ChannelConfig is the delivery-channel half of a Subscription (spec §3,
// §4.6).
type ChannelConfig struct {
	System            string // "rest-hook" | "email" | "zulip"
	Endpoint          string
	Parameters        map[string][]string // header multimap / channel params
	HeartbeatSeconds  int
	TimeoutSeconds    int
	EmailTo           string
	ZulipStreamID     string
	ZulipUserID       string
}

// NotificationBundle is the Adapter's parse of a received notification
// Bundle (consumed by the "received-notification pane", spec §4.7).
type NotificationBundle struct {
	SubscriptionID string
	TopicURL       string
	Type           string
	Events         []int64
	Entries        []Resource
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func (a *genericAdapter) ParseSubscriptionTopic(res Resource) (*SubscriptionTopic, error) {
	t := &SubscriptionTopic{
		ID:                 res.ID(),
		URL:                stringField(res, "url"),
		ResourceTriggers:   map[string][]ResourceTrigger{},
		EventTriggers:      map[string][]string{},
		AllowedFilters:     map[string][]AllowedFilter{},
		NotificationShapes: map[string]NotificationShape{},
	}
	triggers, _ := res["resourceTrigger"].([]interface{})
	for _, raw := range triggers {
		tr, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		rt := ResourceTrigger{
			ResourceType:     stringField(tr, "resource"),
			FHIRPathCriteria: stringField(tr, "fhirPathCriteria"),
		}
		if supp, ok := tr["supportedInteraction"].([]interface{}); ok {
			for _, si := range supp {
				switch si {
				case "create":
					rt.OnCreate = true
				case "update":
					rt.OnUpdate = true
				case "delete":
					rt.OnDelete = true
				}
			}
		}
		if qc, ok := tr["queryCriteria"].(map[string]interface{}); ok {
			rt.QueryPrevious = stringField(qc, "previous")
			rt.QueryCurrent = stringField(qc, "current")
			rt.RequireBothQueries = boolField(qc, "requireBoth")
			resultMode := stringField(qc, "resultForCreate")
			rt.CreateAutoPass = resultMode == "test-passes"
			rt.CreateAutoFail = resultMode == "test-fails"
			resultModeDelete := stringField(qc, "resultForDelete")
			rt.DeleteAutoPass = resultModeDelete == "test-passes"
			rt.DeleteAutoFail = resultModeDelete == "test-fails"
		}
		t.ResourceTriggers[rt.ResourceType] = append(t.ResourceTriggers[rt.ResourceType], rt)
	}
	if filters, ok := res["canFilterBy"].([]interface{}); ok {
		for _, raw := range filters {
			f, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			af := AllowedFilter{ResourceType: stringField(f, "resource"), FilterName: stringField(f, "filterParameter")}
			t.AllowedFilters[af.ResourceType] = append(t.AllowedFilters[af.ResourceType], af)
		}
	}
	if shapes, ok := res["notificationShape"].([]interface{}); ok {
		for _, raw := range shapes {
			s, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			shape := NotificationShape{ResourceType: stringField(s, "resource")}
			if inc, ok := s["include"].([]interface{}); ok {
				for _, i := range inc {
					if str, ok := i.(string); ok {
						shape.Includes = append(shape.Includes, str)
					}
				}
			}
			if rev, ok := s["revInclude"].([]interface{}); ok {
				for _, i := range rev {
					if str, ok := i.(string); ok {
						shape.RevIncludes = append(shape.RevIncludes, str)
					}
				}
			}
			t.NotificationShapes[shape.ResourceType] = shape
		}
	}
	return t, nil
}

func (a *genericAdapter) ParseSubscription(res Resource) (*Subscription, error) {
	s := &Subscription{
		ID:          res.ID(),
		TopicURL:    stringField(res, "topic"),
		Filters:     map[string][]SubscriptionFilter{},
		ContentType: stringField(res, "contentType"),
	}
	if cl := stringField(res, "content"); cl != "" {
		s.ContentLevel = ContentLevel(cl)
	} else {
		s.ContentLevel = ContentIDOnly
	}
	if crit, ok := res["filterBy"].([]interface{}); ok {
		for _, raw := range crit {
			f, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			rt := stringField(f, "resourceType")
			filter := SubscriptionFilter{
				Name:     stringField(f, "filterParameter"),
				Modifier: stringField(f, "modifier"),
				Value:    stringField(f, "value"),
			}
			s.Filters[rt] = append(s.Filters[rt], filter)
		}
	}
	if ch, ok := res["channel"].(map[string]interface{}); ok {
		cc := ChannelConfig{
			Endpoint:   stringField(ch, "endpoint"),
			Parameters: map[string][]string{},
		}
		if ct, ok := ch["type"].(map[string]interface{}); ok {
			if coding, ok := ct["coding"].([]interface{}); ok && len(coding) > 0 {
				if c0, ok := coding[0].(map[string]interface{}); ok {
					cc.System = stringField(c0, "code")
				}
			}
		} else if typeStr := stringField(ch, "type"); typeStr != "" {
			cc.System = typeStr
		}
		if hb, ok := ch["heartbeatPeriod"].(float64); ok {
			cc.HeartbeatSeconds = int(hb)
		}
		if to, ok := ch["timeout"].(float64); ok {
			cc.TimeoutSeconds = int(to)
		}
		if params, ok := ch["parameter"].([]interface{}); ok {
			for _, raw := range params {
				p, ok := raw.(map[string]interface{})
				if !ok {
					continue
				}
				name := stringField(p, "name")
				cc.Parameters[name] = append(cc.Parameters[name], stringField(p, "value"))
			}
		}
		s.Channel = cc
	}
	if me, ok := res["maxCount"].(float64); ok {
		s.MaxEventsPerNotification = int(me)
	}
	return s, nil
}

func (a *genericAdapter) ParseNotificationBundle(res Resource) (*NotificationBundle, error) {
	nb := &NotificationBundle{Type: stringField(res, "type")}
	entries, _ := res["entry"].([]interface{})
	for _, raw := range entries {
		e, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		inner, ok := e["resource"].(map[string]interface{})
		if !ok {
			continue
		}
		innerRes := Resource(inner)
		if innerRes.ResourceType() == "SubscriptionStatus" {
			nb.SubscriptionID = extractSubscriptionID(stringField(inner, "subscription"))
			nb.TopicURL = stringField(inner, "topic")
			if notif, ok := inner["notificationEvent"].([]interface{}); ok {
				for _, ne := range notif {
					if m, ok := ne.(map[string]interface{}); ok {
						if n, ok := m["eventNumber"].(float64); ok {
							nb.Events = append(nb.Events, int64(n))
						}
					}
				}
			}
			continue
		}
		nb.Entries = append(nb.Entries, innerRes)
	}
	return nb, nil
}

func extractSubscriptionID(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' {
			return ref[i+1:]
		}
	}
	return ref
}
