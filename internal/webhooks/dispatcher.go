package webhooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Dispatcher sends webhook events to registered subscribers asynchronously
// over a fixed worker pool, retrying failed deliveries with backoff.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	wg         sync.WaitGroup
	workers    int
}

type deliveryJob struct {
	subscriber *Subscription
	event      *Event
	attempt    int
}

// NewDispatcher creates a webhook dispatcher with a background worker pool.
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		workers:    workers,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit sends an event to every active, tenant-matching subscriber for
// that event type.
func (d *Dispatcher) Emit(eventType EventType, tenantID string, data map[string]interface{}) {
	subscribers := d.registry.GetSubscribers(eventType)
	if len(subscribers) == 0 {
		return
	}

	event := &Event{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:      eventType,
		Source:    "cognigate.engine",
		Timestamp: time.Now(),
		TenantID:  tenantID,
		Data:      data,
	}

	for _, sub := range subscribers {
		if sub.TenantID != "" && sub.TenantID != tenantID {
			continue
		}
		select {
		case d.queue <- &deliveryJob{subscriber: sub, event: event, attempt: 1}:
		default:
			slog.Warn("webhook queue full, dropping event", "event_id", event.ID, "subscriber", sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

// signaturePayload builds the "{unixTimestamp}.{jsonBody}" string spec.md
// §6 specifies the signature is computed over, so a replayed body with a
// stale timestamp fails verification even if the HMAC key leaks.
func signaturePayload(timestamp int64, body []byte) []byte {
	return []byte(strconv.FormatInt(timestamp, 10) + "." + string(body))
}

// Sign computes the "v1=<hex>" signature for a webhook body at a given
// unix timestamp.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(signaturePayload(timestamp, body))
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the expected one in constant
// time and rejects timestamps outside the given skew tolerance.
func Verify(secret string, timestamp int64, body []byte, signature string, skew time.Duration, now time.Time) bool {
	age := now.Sub(time.Unix(timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > skew {
		return false
	}
	expected := Sign(secret, timestamp, body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		slog.Error("failed to marshal webhook event", "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		slog.Error("failed to build webhook request", "error", err)
		return
	}

	timestamp := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cognigate-Event-Type", string(job.event.Type))
	req.Header.Set("X-Cognigate-Event-ID", job.event.ID)
	req.Header.Set("X-Cognigate-Delivery-Attempt", strconv.Itoa(job.attempt))
	req.Header.Set("X-Cognigate-Timestamp", strconv.FormatInt(timestamp, 10))
	if job.subscriber.Secret != "" {
		req.Header.Set("X-Cognigate-Signature", Sign(job.subscriber.Secret, timestamp, payload))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		slog.Warn("webhook delivery failed", "url", job.subscriber.URL, "error", err)
		d.registry.MarkFailed(job.subscriber.ID)
		d.retry(job)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Warn("webhook endpoint returned an error status", "status", resp.StatusCode, "url", job.subscriber.URL, "event_type", job.event.Type)
		d.registry.MarkFailed(job.subscriber.ID)
		d.retry(job)
		return
	}
	d.registry.MarkSucceeded(job.subscriber.ID)
}

func (d *Dispatcher) retry(job *deliveryJob) {
	if job.attempt >= 3 {
		return
	}
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	select {
	case d.queue <- job:
	default:
	}
}

// Shutdown drains the delivery queue and waits for in-flight workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}
