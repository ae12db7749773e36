package subscription

import "github.com/nimbusfhir/server/internal/fhirmodel"

// builtinTopicBase mirrors the teacher's builtInTopicBase constant
// (internal/platform/fhir/subscription_topic.go), kept as a generic example
// authority rather than the teacher's specific deployment host.
const builtinTopicBase = "http://example.org/SubscriptionTopic/"

// RegisterBuiltinTopics registers the four standard topics the teacher ships
// (RegisterBuiltInTopics), generalized onto fhirmodel.SubscriptionTopic so
// they carry over spec §12's "supplemented feature" without depending on the
// teacher's SQL-era TopicResourceTrigger/TopicCanFilterBy wire types.
func (e *Engine) RegisterBuiltinTopics() {
	e.RegisterTopic(&fhirmodel.SubscriptionTopic{
		ID:  "encounter-start",
		URL: builtinTopicBase + "encounter-start",
		ResourceTriggers: map[string][]fhirmodel.ResourceTrigger{
			"Encounter": {{
				ResourceType:     "Encounter",
				OnCreate:         true,
				FHIRPathCriteria: "%current.status = 'in-progress'",
			}},
		},
		AllowedFilters: map[string][]fhirmodel.AllowedFilter{
			"Encounter": {
				{ResourceType: "Encounter", FilterName: "status"},
				{ResourceType: "Encounter", FilterName: "class"},
			},
		},
	})

	e.RegisterTopic(&fhirmodel.SubscriptionTopic{
		ID:  "encounter-end",
		URL: builtinTopicBase + "encounter-end",
		ResourceTriggers: map[string][]fhirmodel.ResourceTrigger{
			"Encounter": {{
				ResourceType:     "Encounter",
				OnUpdate:         true,
				FHIRPathCriteria: "%current.status = 'finished'",
			}},
		},
		AllowedFilters: map[string][]fhirmodel.AllowedFilter{
			"Encounter": {{ResourceType: "Encounter", FilterName: "status"}},
		},
	})

	e.RegisterTopic(&fhirmodel.SubscriptionTopic{
		ID:  "new-lab-result",
		URL: builtinTopicBase + "new-lab-result",
		ResourceTriggers: map[string][]fhirmodel.ResourceTrigger{
			"DiagnosticReport": {{
				ResourceType:     "DiagnosticReport",
				OnCreate:         true,
				FHIRPathCriteria: "%current.status = 'final'",
			}},
		},
		AllowedFilters: map[string][]fhirmodel.AllowedFilter{
			"DiagnosticReport": {
				{ResourceType: "DiagnosticReport", FilterName: "status"},
				{ResourceType: "DiagnosticReport", FilterName: "code"},
			},
		},
	})

	e.RegisterTopic(&fhirmodel.SubscriptionTopic{
		ID:  "admission-discharge",
		URL: builtinTopicBase + "admission-discharge",
		ResourceTriggers: map[string][]fhirmodel.ResourceTrigger{
			"Encounter": {{
				ResourceType:     "Encounter",
				OnCreate:         true,
				OnUpdate:         true,
				FHIRPathCriteria: "%current.class = 'IMP' and (%current.status = 'in-progress' or %current.status = 'finished')",
			}},
		},
		AllowedFilters: map[string][]fhirmodel.AllowedFilter{
			"Encounter": {
				{ResourceType: "Encounter", FilterName: "status"},
				{ResourceType: "Encounter", FilterName: "class"},
			},
		},
	})
}
