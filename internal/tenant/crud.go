package tenant

import (
	"context"

	"github.com/nimbusfhir/server/internal/fhirmodel"
	"github.com/nimbusfhir/server/internal/store"
	"github.com/nimbusfhir/server/internal/subscription"
)

// Create implements the create interaction (spec §4.1, §4.3): assigns a
// fresh id and version "1", subject to the tenant's resource cap. Creating a
// Subscription resource also registers it with the Subscription Engine
// (spec §4.5) and stamps the engine-assigned id and lifecycle status back
// onto the stored resource before it is persisted.
func (t *Tenant) Create(res fhirmodel.Resource) (fhirmodel.Resource, error) {
	if err := t.CheckCapacity(); err != nil {
		return nil, err
	}
	if res.ResourceType() == "Subscription" {
		live, err := t.registerSubscription(res)
		if err != nil {
			return nil, err
		}
		res.SetID(live.Parsed.ID)
		res["status"] = string(live.StatusSnapshot())
	}
	return t.Store(res.ResourceType()).InstanceCreate(res, res.ResourceType() == "Subscription")
}

// registerSubscription parses res as a Subscription and registers it with
// the tenant's Subscription Engine (spec §4.5 Subscribe). A successful
// registration kicks off the spec §4.6 handshake asynchronously: the
// initial handshake notification is what actually drives the
// requested -> active transition, rather than leaving it to happen only
// as an incidental side effect of the channel's first real event
// delivery, which may be arbitrarily far in the future for a quiet topic.
func (t *Tenant) registerSubscription(res fhirmodel.Resource) (*subscription.Live, error) {
	parsed, err := t.Adapter.ParseSubscription(res)
	if err != nil {
		return nil, err
	}
	live, err := t.Sub.Subscribe(*parsed)
	if err != nil {
		return nil, err
	}
	if t.Dispatch != nil {
		go t.Dispatch.PerformHandshake(context.Background(), live)
	}
	return live, nil
}

// Read implements the read interaction.
func (t *Tenant) Read(resourceType, id string) (fhirmodel.Resource, error) {
	res := t.Store(resourceType).InstanceRead(id)
	if res == nil {
		return nil, store.ErrNotFound
	}
	return res, nil
}

// Update implements the update interaction, creating the instance under
// the supplied id if it is absent (spec §4.1 conditional-update-as-create).
func (t *Tenant) Update(res fhirmodel.Resource) (fhirmodel.Resource, bool, error) {
	if err := t.CheckCapacity(); err != nil {
		if t.Store(res.ResourceType()).InstanceRead(res.ID()) == nil {
			return nil, false, err
		}
	}
	updated, created, err := t.Store(res.ResourceType()).InstanceUpsert(res)
	return updated, created, err
}

// Delete implements the delete interaction. Deleting a Subscription also
// stops its live delivery via Unsubscribe (spec §4.5).
func (t *Tenant) Delete(resourceType, id string) (fhirmodel.Resource, error) {
	res, err := t.Store(resourceType).InstanceDelete(id)
	if err == nil && resourceType == "Subscription" {
		t.Sub.Unsubscribe(id)
	}
	return res, err
}

// Patch implements the patch interaction as read-modify-write: apply
// applyFn to a clone of the current instance and store the result as the
// next version (spec §4.1).
func (t *Tenant) Patch(resourceType, id string, applyFn func(fhirmodel.Resource) error) (fhirmodel.Resource, error) {
	current := t.Store(resourceType).InstanceRead(id)
	if current == nil {
		return nil, store.ErrNotFound
	}
	next := current.Clone()
	if err := applyFn(next); err != nil {
		return nil, err
	}
	next.SetID(id)
	return t.Store(resourceType).InstanceUpdate(next)
}
