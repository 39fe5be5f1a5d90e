// Package webhookd queues and delivers webhook notifications. A job state
// change fans out to one delivery row per subscribed endpoint; a delivery
// loop posts due rows with an HMAC signature and schedules retries with
// exponential backoff.
package webhookd

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/docrefinery/docrefinery/guard"
	"github.com/docrefinery/docrefinery/store"
)

// Delivery request headers.
const (
	HeaderEvent     = "X-DocRefinery-Event"
	HeaderDelivery  = "X-DocRefinery-Delivery"
	HeaderSignature = "X-DocRefinery-Signature"
)

// Payload is the body posted to endpoints. It carries both the numeric job
// id and the public uuid, plus the previous state so receivers can diff.
type Payload struct {
	Event          string          `json:"event"`
	JobID          int64           `json:"job_id"`
	JobUUID        string          `json:"job_uuid"`
	DocumentID     string          `json:"document_id"`
	ExternalUUID   string          `json:"external_uuid,omitempty"`
	Status         string          `json:"status"`
	Stage          string          `json:"stage"`
	PreviousStatus string          `json:"previous_status"`
	PreviousStage  string          `json:"previous_stage"`
	Profile        string          `json:"profile,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ErrorDetails   json.RawMessage `json:"error_details,omitempty"`
	QueuedAt       string          `json:"queued_at"`
	StartedAt      string          `json:"started_at,omitempty"`
	FinishedAt     string          `json:"finished_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
	ModifiedAt     string          `json:"modified_at"`
}

// Signature computes the hex HMAC-SHA256 of body keyed by the endpoint
// secret, in the wire form "sha256=<hex>".
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Deliverer queues and posts webhook deliveries.
type Deliverer struct {
	store          *store.Store
	http           *http.Client
	log            *slog.Logger
	maxAttempts    int
	initialBackoff time.Duration
	allowHosts     []string
	poll           time.Duration
	wake           chan struct{}
}

// Option customises a Deliverer.
type Option func(*Deliverer)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option { return func(d *Deliverer) { d.log = log } }

// WithAllowedHosts permits endpoint hosts that would otherwise be rejected
// as private (development setups).
func WithAllowedHosts(hosts []string) Option { return func(d *Deliverer) { d.allowHosts = hosts } }

// WithPoll sets the due-row sweep cadence.
func WithPoll(interval time.Duration) Option { return func(d *Deliverer) { d.poll = interval } }

// WithHTTPClient overrides the delivery client (tests).
func WithHTTPClient(c *http.Client) Option { return func(d *Deliverer) { d.http = c } }

// New builds a Deliverer. maxAttempts bounds tries per delivery;
// initialBackoff doubles after each failed attempt; timeout caps one POST.
func New(st *store.Store, maxAttempts int, initialBackoff, timeout time.Duration, opts ...Option) *Deliverer {
	d := &Deliverer{
		store:          st,
		http:           &http.Client{Timeout: timeout},
		log:            slog.Default(),
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		poll:           5 * time.Second,
		wake:           make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// JobStateChanged queues deliveries for a job transition. Implements the
// pipeline's notifier contract; errors are logged, never propagated, so a
// broken endpoint cannot fail a job.
func (d *Deliverer) JobStateChanged(ctx context.Context, job *store.Job, prevStatus, prevStage string) {
	if err := d.Queue(ctx, job, prevStatus, prevStage); err != nil {
		d.log.Error("webhook queue failed", "job_id", job.ID, "error", err)
	}
}

// Queue creates one PENDING delivery per enabled endpoint subscribed to
// job.updated, then nudges the delivery loop.
func (d *Deliverer) Queue(ctx context.Context, job *store.Job, prevStatus, prevStage string) error {
	endpoints, err := d.store.ListEnabledEndpoints(ctx, job.TenantID)
	if err != nil {
		return err
	}
	var subscribed []*store.WebhookEndpoint
	for _, ep := range endpoints {
		if ep.SubscribedTo(store.EventJobUpdated) {
			subscribed = append(subscribed, ep)
		}
	}
	if len(subscribed) == 0 {
		return nil
	}

	body, err := d.payload(ctx, job, prevStatus, prevStage)
	if err != nil {
		return err
	}
	for _, ep := range subscribed {
		del := &store.WebhookDelivery{
			EndpointID: ep.ID,
			EventType:  store.EventJobUpdated,
			Payload:    string(body),
		}
		if err := d.store.CreateDelivery(ctx, del); err != nil {
			return err
		}
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

func (d *Deliverer) payload(ctx context.Context, job *store.Job, prevStatus, prevStage string) ([]byte, error) {
	p := Payload{
		Event:          store.EventJobUpdated,
		JobID:          job.ID,
		JobUUID:        job.UUID,
		ExternalUUID:   job.ExternalUUID,
		Status:         job.Status,
		Stage:          job.Stage,
		PreviousStatus: prevStatus,
		PreviousStage:  prevStage,
		Profile:        job.Profile,
		ErrorCode:      job.ErrorCode,
		ErrorMessage:   job.ErrorMessage,
		QueuedAt:       job.QueuedAt,
		StartedAt:      job.StartedAt,
		FinishedAt:     job.FinishedAt,
		CreatedAt:      job.CreatedAt,
		ModifiedAt:     job.ModifiedAt,
	}
	if job.ErrorDetails != "" && job.ErrorDetails != "{}" {
		p.ErrorDetails = json.RawMessage(job.ErrorDetails)
	}
	doc, err := d.store.GetDocumentByID(ctx, job.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc != nil {
		p.DocumentID = doc.UUID
	}
	return json.Marshal(p)
}

// Run blocks until ctx is done, sweeping due deliveries on a cadence and on
// every queue nudge.
func (d *Deliverer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
		d.DeliverDue(ctx)
	}
}

// DeliverDue attempts every due delivery once. Returns the number attempted.
func (d *Deliverer) DeliverDue(ctx context.Context) int {
	due, err := d.store.ListDueDeliveries(ctx, 100)
	if err != nil {
		d.log.Error("due delivery sweep failed", "error", err)
		return 0
	}
	for _, del := range due {
		d.attempt(ctx, del)
	}
	return len(due)
}

func (d *Deliverer) attempt(ctx context.Context, del *store.WebhookDelivery) {
	log := d.log.With("delivery", del.UUID, "endpoint_id", del.EndpointID)

	// The API and worker processes both sweep the queue; the claim ensures a
	// due row is posted by exactly one of them.
	claimed, err := d.store.ClaimDelivery(ctx, del.ID)
	if err != nil {
		log.Error("delivery claim failed", "error", err)
		return
	}
	if !claimed {
		return
	}
	del.Status = store.DeliverySending

	ep, err := d.store.GetEndpointByID(ctx, del.EndpointID)
	if err != nil {
		log.Error("endpoint load failed", "error", err)
		return
	}
	if ep == nil {
		d.finish(ctx, del, store.DeliveryFailed, 0, "Endpoint deleted")
		return
	}
	if !ep.Enabled {
		// No network call for a disabled endpoint.
		d.finish(ctx, del, store.DeliveryFailed, 0, "Endpoint disabled")
		return
	}
	if err := guard.ValidateWebhookURL(ep.URL, d.allowHosts); err != nil {
		d.finish(ctx, del, store.DeliveryFailed, 0, "Endpoint URL rejected: "+err.Error())
		return
	}

	code, err := d.post(ctx, ep, del)
	if err == nil && code >= 200 && code < 300 {
		now := store.FormatTime(d.store.Now())
		del.Status = store.DeliveryDelivered
		del.Attempt++
		del.ResponseCode = int64(code)
		del.LastError = ""
		del.DeliveredAt = now
		del.NextRetryAt = ""
		if uerr := d.store.UpdateDelivery(ctx, del); uerr != nil {
			log.Error("delivery update failed", "error", uerr)
			return
		}
		if merr := d.store.MarkEndpointResult(ctx, ep.ID, true); merr != nil {
			log.Error("endpoint mark failed", "error", merr)
		}
		return
	}

	reason := fmt.Sprintf("unexpected status %d", code)
	if err != nil {
		reason = err.Error()
	}
	del.Attempt++
	del.ResponseCode = int64(code)
	del.LastError = reason
	if del.Attempt >= int64(d.maxAttempts) {
		del.Status = store.DeliveryFailed
		del.NextRetryAt = ""
	} else {
		del.Status = store.DeliveryRetrying
		backoff := d.initialBackoff << (del.Attempt - 1)
		del.NextRetryAt = store.FormatTime(d.store.Now().Add(backoff))
	}
	if uerr := d.store.UpdateDelivery(ctx, del); uerr != nil {
		log.Error("delivery update failed", "error", uerr)
		return
	}
	if merr := d.store.MarkEndpointResult(ctx, ep.ID, false); merr != nil {
		log.Error("endpoint mark failed", "error", merr)
	}
	log.Warn("delivery attempt failed", "attempt", del.Attempt, "status", del.Status, "reason", reason)
}

// finish terminates a delivery without a network attempt.
func (d *Deliverer) finish(ctx context.Context, del *store.WebhookDelivery, status string, code int, reason string) {
	del.Status = status
	del.ResponseCode = int64(code)
	del.LastError = reason
	del.NextRetryAt = ""
	if err := d.store.UpdateDelivery(ctx, del); err != nil {
		d.log.Error("delivery update failed", "delivery", del.UUID, "error", err)
	}
}

func (d *Deliverer) post(ctx context.Context, ep *store.WebhookEndpoint, del *store.WebhookDelivery) (int, error) {
	body := []byte(del.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, del.EventType)
	req.Header.Set(HeaderDelivery, del.UUID)
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, Signature(ep.Secret, body))
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	guard.LimitedReadAll(resp.Body, 4096)
	return resp.StatusCode, nil
}
