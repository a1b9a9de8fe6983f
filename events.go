package capsule

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Event types a bucket notification can subscribe to. A configured type
// of "*" or "s3:ObjectCreated:*" style wildcard matches by prefix.
const (
	EventObjectCreatedPut      = "s3:ObjectCreated:Put"
	EventObjectCreatedCopy     = "s3:ObjectCreated:Copy"
	EventObjectCreatedComplete = "s3:ObjectCreated:CompleteMultipartUpload"
	EventObjectRemovedDelete   = "s3:ObjectRemoved:Delete"
)

// Event is one bucket activity record delivered to webhook subscribers.
type Event struct {
	Type      string    `json:"eventType"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Size      int64     `json:"size,omitempty"`
	ETag      string    `json:"etag,omitempty"`
	VersionID string    `json:"versionId,omitempty"`
	Time      time.Time `json:"eventTime"`
}

type eventPayload struct {
	Records []Event `json:"Records"`
}

// Notifier fans bucket events out to the webhook endpoints configured on
// the bucket. Delivery happens off the request path and never blocks the
// caller; failures are retried with exponential backoff and then logged
// and dropped.
type Notifier struct {
	store      Store
	client     *http.Client
	log        *slog.Logger
	maxRetries uint64
}

func NewNotifier(store Store, log *slog.Logger, maxRetries uint64) *Notifier {
	return &Notifier{
		store:      store,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log,
		maxRetries: maxRetries,
	}
}

// Notify looks up the bucket's active subscriptions and dispatches the
// event to each matching one in the background.
func (n *Notifier) Notify(ctx context.Context, bucketID int64, ev Event) {
	if n == nil {
		return
	}
	ev.Time = time.Now().UTC()

	subs, err := n.store.ActiveNotifications(ctx, bucketID)
	if err != nil {
		n.log.Error("load event notifications", "bucket_id", bucketID, "error", err)
		return
	}

	for _, sub := range subs {
		if !EventTypeMatches(sub.EventType, ev.Type) {
			continue
		}
		go n.deliver(sub.WebhookURL, ev)
	}
}

// TestDelivery sends a synthetic event synchronously so an endpoint can
// be verified before it is saved.
func (n *Notifier) TestDelivery(ctx context.Context, url, bucket string) error {
	if n == nil {
		return errors.New("notifier not configured")
	}
	ev := Event{
		Type:   EventObjectCreatedPut,
		Bucket: bucket,
		Key:    "test/notification",
		Time:   time.Now().UTC(),
	}
	return n.send(ctx, url, ev)
}

// EventTypeMatches reports whether a configured subscription pattern
// covers an event type. "*" matches everything and a trailing "*"
// matches by prefix.
func EventTypeMatches(pattern, eventType string) bool {
	return matchWildcard(pattern, eventType)
}

func (n *Notifier) deliver(url string, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), n.maxRetries), ctx)

	err := backoff.Retry(func() error {
		return n.send(ctx, url, ev)
	}, policy)
	if err != nil {
		n.log.Warn("webhook delivery failed",
			"url", url, "event", ev.Type, "bucket", ev.Bucket, "key", ev.Key, "error", err)
	}
}

func (n *Notifier) send(ctx context.Context, url string, ev Event) error {
	body, err := json.Marshal(eventPayload{Records: []Event{ev}})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
