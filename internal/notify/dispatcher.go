// Package notify implements the Notification Dispatcher (C6, spec §4.6):
// channel-typed fan-out (rest-hook/email/zulip), heartbeats, and the
// three-consecutive-failure error policy. Each delivery is a single
// attempt: a failed delivery is recorded on the subscription and is not
// retried.
//
// Grounded on internal/platform/fhir/notify.go (NotificationEngine,
// deliverOne/markFailed/retryBackoff/PerformHandshake), adapted from its
// DB-polling NotificationRepo model to a direct push from the Subscription
// Engine (subscription.Dispatch) since there is no notification table in an
// in-memory server. The EmailSender/SMSSender split of
// internal/platform/notification/notification.go supplies the pluggable
// sender shape reused here for email and Zulip channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusfhir/server/internal/fhirmodel"
	"github.com/nimbusfhir/server/internal/subscription"
)

// EmailSender delivers an email-channel notification (spec §4.6 channel
// types). Grounded on notification.EmailSender.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ZulipSender delivers a zulip-channel notification as a stream or direct
// message.
type ZulipSender interface {
	SendZulipMessage(ctx context.Context, streamID, userID, content string) error
}

// Timeouts holds the per-channel delivery timeouts (spec §4.6: 30s REST,
// 15s SMTP, 15s Zulip).
type Timeouts struct {
	REST  time.Duration
	SMTP  time.Duration
	Zulip time.Duration
}

// DefaultTimeouts returns the spec-mandated per-channel defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{REST: 30 * time.Second, SMTP: 15 * time.Second, Zulip: 15 * time.Second}
}

// Dispatcher is the Notification Dispatcher (C6): one instance per tenant,
// shared by every Subscription Engine's events.
type Dispatcher struct {
	client   *http.Client
	email    EmailSender
	zulip    ZulipSender
	logger   zerolog.Logger
	timeouts Timeouts

	// queues holds one bounded, coalescing mailbox per subscription (spec
	// §5: "a bounded per-subscription queue that coalesces under
	// backpressure" rather than unbounded buffering).
	mu     sync.Mutex
	queues map[string]chan []*subscription.Event
}

// New constructs a Dispatcher. email/zulip may be nil if those channels are
// unused by the tenant's subscriptions.
func New(email EmailSender, zulip ZulipSender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		client:   &http.Client{},
		email:    email,
		zulip:    zulip,
		logger:   logger,
		timeouts: DefaultTimeouts(),
		queues:   make(map[string]chan []*subscription.Event),
	}
}

const queueDepth = 8

// EventNotification implements subscription.Dispatch. It enqueues events
// onto the subscription's mailbox, starting a delivery goroutine on first
// use; when the mailbox is full, every pending batch is taken off it and
// requeued together with events as one batch, so no event is dropped and
// the backlog goes out in a single notification (coalescing under
// backpressure, spec §5).
func (d *Dispatcher) EventNotification(sub *subscription.Live, events []*subscription.Event) {
	d.mu.Lock()
	q, ok := d.queues[sub.Parsed.ID]
	if !ok {
		q = make(chan []*subscription.Event, queueDepth)
		d.queues[sub.Parsed.ID] = q
		go d.drain(sub, q)
	}
	d.mu.Unlock()

	select {
	case q <- events:
	default:
		var merged []*subscription.Event
		for drained := false; !drained; {
			select {
			case old := <-q:
				merged = append(merged, old...)
			default:
				drained = true
			}
		}
		q <- append(merged, events...)
	}
}

func (d *Dispatcher) drain(sub *subscription.Live, q chan []*subscription.Event) {
	for events := range q {
		d.deliver(context.Background(), sub, events)
	}
}

// deliver sends one notification Bundle for events over sub's channel, with
// the channel-appropriate timeout, and records success/failure on sub
// (Live.RecordSuccess/RecordFailure drive the three-failure error
// transition, spec §4.6). Each call makes one attempt; a failure is
// recorded and not retried.
func (d *Dispatcher) deliver(ctx context.Context, sub *subscription.Live, events []*subscription.Event) {
	var err error
	switch sub.Parsed.Channel.System {
	case "rest-hook":
		err = d.deliverRESTHook(ctx, sub, events)
	case "email":
		err = d.deliverEmail(ctx, sub, events)
	case "zulip":
		err = d.deliverZulip(ctx, sub, events)
	default:
		err = fmt.Errorf("notify: unsupported channel %q", sub.Parsed.Channel.System)
	}

	now := time.Now().UTC()
	if err != nil {
		sub.RecordFailure(now, err.Error())
		d.logger.Warn().Err(err).Str("subscription", sub.Parsed.ID).Str("channel", sub.Parsed.Channel.System).Msg("notification delivery failed")
		return
	}
	sub.RecordSuccess(now)
}

// exampleOrgHost is the spec §4.6 test-host shortcut: endpoints on this
// host are treated as a successful delivery without any real wire traffic,
// so samples and tests can declare a rest-hook channel without standing up
// a listener.
const exampleOrgHost = "example.org"

func isExampleOrgEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	return u.Hostname() == exampleOrgHost
}

func (d *Dispatcher) deliverRESTHook(ctx context.Context, sub *subscription.Live, events []*subscription.Event) error {
	if isExampleOrgEndpoint(sub.Parsed.Channel.Endpoint) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeouts.REST)
	defer cancel()

	body, err := json.Marshal(buildEventNotificationBundle(sub, events))
	if err != nil {
		return fmt.Errorf("marshal notification bundle: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Parsed.Channel.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	contentType := sub.Parsed.ContentType
	if contentType == "" {
		contentType = "application/fhir+json"
	}
	req.Header.Set("Content-Type", contentType)
	for name, values := range sub.Parsed.Channel.Parameters {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) deliverEmail(ctx context.Context, sub *subscription.Live, events []*subscription.Event) error {
	if d.email == nil {
		return fmt.Errorf("notify: no email sender configured")
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeouts.SMTP)
	defer cancel()
	subject := fmt.Sprintf("FHIR Subscription %s: %d event(s)", sub.Parsed.TopicURL, len(events))
	return d.email.SendEmail(ctx, sub.Parsed.Channel.EmailTo, subject, renderPlaintext(sub, events))
}

func (d *Dispatcher) deliverZulip(ctx context.Context, sub *subscription.Live, events []*subscription.Event) error {
	if d.zulip == nil {
		return fmt.Errorf("notify: no zulip sender configured")
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeouts.Zulip)
	defer cancel()
	return d.zulip.SendZulipMessage(ctx, sub.Parsed.Channel.ZulipStreamID, sub.Parsed.Channel.ZulipUserID, renderPlaintext(sub, events))
}

func renderPlaintext(sub *subscription.Live, events []*subscription.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subscription %s (topic %s) has %d new event(s):\n", sub.Parsed.ID, sub.Parsed.TopicURL, len(events))
	for _, ev := range events {
		fmt.Fprintf(&b, "  #%d: %s/%s at %s\n", ev.EventNumber, ev.Focus.ResourceType(), ev.Focus.ID(), ev.Timestamp.Format(time.RFC3339))
	}
	return b.String()
}

// buildEventNotificationBundle assembles a history-type Bundle carrying a
// SubscriptionStatus resource plus, per sub's content level, the focus
// resources themselves (spec §3: empty/id-only/full-resource).
func buildEventNotificationBundle(sub *subscription.Live, events []*subscription.Event) map[string]interface{} {
	eventNumbers := make([]int64, len(events))
	for i, ev := range events {
		eventNumbers[i] = ev.EventNumber
	}

	status := map[string]interface{}{
		"resourceType": "SubscriptionStatus",
		"status":       string(sub.StatusSnapshot()),
		"type":         "event-notification",
		"eventsSinceSubscriptionStart": fmt.Sprintf("%d", sub.CurrentEventCount()),
		"notificationEvent":            buildNotificationEvents(eventNumbers),
		"subscription":                 map[string]string{"reference": "Subscription/" + sub.Parsed.ID},
		"topic":                        sub.Parsed.TopicURL,
	}

	entries := []map[string]interface{}{
		{"resource": status},
	}

	if sub.Parsed.ContentLevel != fhirmodel.ContentEmpty {
		for _, ev := range events {
			entries = append(entries, buildFocusEntry(ev, sub.Parsed.ContentLevel))
		}
	}

	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "history",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"entry":        entries,
	}
}

func buildNotificationEvents(numbers []int64) []map[string]interface{} {
	out := make([]map[string]interface{}, len(numbers))
	for i, n := range numbers {
		out[i] = map[string]interface{}{"eventNumber": n}
	}
	return out
}

func buildFocusEntry(ev *subscription.Event, level fhirmodel.ContentLevel) map[string]interface{} {
	ref := ev.Focus.ResourceType() + "/" + ev.Focus.ID()
	if level == fhirmodel.ContentIDOnly {
		return map[string]interface{}{"fullUrl": ref, "resource": map[string]interface{}{
			"resourceType": ev.Focus.ResourceType(),
			"id":           ev.Focus.ID(),
		}}
	}
	return map[string]interface{}{"fullUrl": ref, "resource": map[string]interface{}(ev.Focus)}
}
