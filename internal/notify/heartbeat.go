package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nimbusfhir/server/internal/fhirmodel"
	"github.com/nimbusfhir/server/internal/subscription"
)

// HeartbeatInterval is the spec §4.6 heartbeat cadence for rest-hook
// subscriptions that declare a heartbeatPeriod.
const HeartbeatInterval = 2 * time.Second

// RunHeartbeats starts a ticker that sends a heartbeat notification to every
// active rest-hook subscription whose channel declares a heartbeat period,
// once per HeartbeatInterval tick (grounded on NotificationEngine.Start's
// ticker loop, generalized off its DB-backed expiry/cleanup tickers since
// an in-memory server has no notification table to sweep). Blocks until ctx
// is cancelled.
func (d *Dispatcher) RunHeartbeats(ctx context.Context, engine *subscription.Engine) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.tickHeartbeats(ctx, engine, now)
		}
	}
}

func (d *Dispatcher) tickHeartbeats(ctx context.Context, engine *subscription.Engine, now time.Time) {
	for _, live := range engine.AllSubscriptions() {
		if live.StatusSnapshot() != fhirmodel.StatusActive {
			continue
		}
		if live.Expired(now) {
			engine.Unsubscribe(live.Parsed.ID)
			continue
		}
		period := live.Parsed.Channel.HeartbeatSeconds
		if period <= 0 {
			continue
		}
		if now.Sub(live.LastCommunicationTicks) < time.Duration(period)*time.Second {
			continue
		}
		if err := d.sendHeartbeat(ctx, live); err != nil {
			live.RecordFailure(now, err.Error())
			continue
		}
		live.RecordSuccess(now)
	}
}

func (d *Dispatcher) sendHeartbeat(ctx context.Context, live *subscription.Live) error {
	if live.Parsed.Channel.System != "rest-hook" {
		return nil
	}
	if isExampleOrgEndpoint(live.Parsed.Channel.Endpoint) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeouts.REST)
	defer cancel()
	body := []byte(fmt.Sprintf(`{"resourceType":"SubscriptionStatus","status":"active","type":"heartbeat","subscription":{"reference":"Subscription/%s"}}`, live.Parsed.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, live.Parsed.Channel.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat returned status %d", resp.StatusCode)
	}
	return nil
}

// PerformHandshake sends the initial handshake notification required when a
// subscription transitions from requested to active (spec §4.6), grounded
// on NotificationEngine.PerformHandshake.
func (d *Dispatcher) PerformHandshake(ctx context.Context, live *subscription.Live) error {
	if live.Parsed.Channel.System != "rest-hook" || isExampleOrgEndpoint(live.Parsed.Channel.Endpoint) {
		live.RecordSuccess(time.Now().UTC())
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeouts.REST)
	defer cancel()
	body := []byte(fmt.Sprintf(`{"resourceType":"SubscriptionStatus","status":"requested","type":"handshake","subscription":{"reference":"Subscription/%s"}}`, live.Parsed.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, live.Parsed.Channel.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build handshake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	resp, err := d.client.Do(req)
	if err != nil {
		live.RecordFailure(time.Now().UTC(), err.Error())
		return fmt.Errorf("handshake failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("handshake returned status %d", resp.StatusCode)
		live.RecordFailure(time.Now().UTC(), err.Error())
		return err
	}
	live.RecordSuccess(time.Now().UTC())
	return nil
}
