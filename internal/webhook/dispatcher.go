package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/settleflow/internal/jobs"
	"github.com/mbd888/settleflow/internal/logging"
	"github.com/mbd888/settleflow/internal/metrics"
	"github.com/mbd888/settleflow/internal/retry"
	"github.com/mbd888/settleflow/internal/traces"
	"github.com/mbd888/settleflow/internal/transaction"
)

// Event names carried in the X-Settleflow-Event header.
const (
	EventTransactionSucceeded = "transaction.succeeded"
	EventTransactionFailed    = "transaction.failed"
)

// TransactionPayload is the wire shape of a webhook notification. Amounts
// stay decimal strings, timestamps are RFC3339.
type TransactionPayload struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func payloadFor(t *transaction.Transaction) TransactionPayload {
	return TransactionPayload{
		ID:          t.ID,
		Status:      string(t.Status),
		Amount:      t.Amount,
		Currency:    t.Currency,
		Description: t.Description,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func eventFor(t *transaction.Transaction) string {
	if t.Status == transaction.StatusSucceeded {
		return EventTransactionSucceeded
	}
	return EventTransactionFailed
}

// TransactionSource loads transaction snapshots for notification payloads.
type TransactionSource interface {
	GetByID(ctx context.Context, id string) (*transaction.Transaction, error)
}

// Enqueuer submits delivery jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload []byte) error
}

// Config tunes delivery behavior.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultConfig returns production defaults: 10s per attempt, 3 attempts.
func DefaultConfig() Config {
	return Config{
		Timeout:     10 * time.Second,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}
}

// Dispatcher fans out and delivers webhook notifications.
type Dispatcher struct {
	store  Store
	txs    TransactionSource
	queue  Enqueuer
	client *http.Client
	cfg    Config
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store Store, txs TransactionSource, queue Enqueuer, cfg Config) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Dispatcher{
		store: store,
		txs:   txs,
		queue: queue,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		cfg: cfg,
	}
}

// HandleFanOut is the jobs handler for webhook.fanout.
func (d *Dispatcher) HandleFanOut(ctx context.Context, payload []byte) error {
	var p jobs.FanOutPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return retry.Permanent(err)
	}
	return d.FanOut(ctx, p.TransactionID)
}

// FanOut enqueues one delivery job per endpoint registered by the
// transaction's merchant. No endpoints is a normal no-op.
func (d *Dispatcher) FanOut(ctx context.Context, txID string) error {
	ctx, span := traces.StartSpan(ctx, "webhook.fanout", traces.TransactionID(txID))
	defer span.End()

	t, err := d.txs.GetByID(ctx, txID)
	if errors.Is(err, transaction.ErrNotFound) {
		return retry.Permanent(err)
	}
	if err != nil {
		return err
	}

	endpoints, err := d.store.ListByMerchant(ctx, t.MerchantID)
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		return nil
	}

	for _, ep := range endpoints {
		raw, _ := json.Marshal(jobs.DeliverPayload{EndpointID: ep.ID, TransactionID: t.ID})
		if err := d.queue.Enqueue(ctx, jobs.TypeWebhookDeliver, raw); err != nil {
			return err
		}
	}
	return nil
}

// HandleDeliver is the jobs handler for webhook.deliver.
func (d *Dispatcher) HandleDeliver(ctx context.Context, payload []byte) error {
	var p jobs.DeliverPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return retry.Permanent(err)
	}

	ep, err := d.store.Get(ctx, p.EndpointID)
	if errors.Is(err, ErrEndpointNotFound) {
		// Deleted between fan-out and delivery; nothing to notify.
		logging.L(ctx).Info("webhook endpoint gone, skipping delivery",
			"endpoint_id", p.EndpointID, "transaction_id", p.TransactionID)
		return nil
	}
	if err != nil {
		return err
	}

	t, err := d.txs.GetByID(ctx, p.TransactionID)
	if errors.Is(err, transaction.ErrNotFound) {
		return retry.Permanent(err)
	}
	if err != nil {
		return err
	}

	if err := d.Deliver(ctx, ep, t); err != nil {
		// Deliver already exhausted its own attempt budget; the job layer
		// must not add another round.
		return retry.Permanent(err)
	}
	return nil
}

// Deliver POSTs the signed notification to one endpoint, retrying up to
// MaxAttempts total. Exhausting the budget is a terminal, logged failure.
func (d *Dispatcher) Deliver(ctx context.Context, ep *Endpoint, t *transaction.Transaction) error {
	ctx, span := traces.StartSpan(ctx, "webhook.deliver",
		traces.EndpointID(ep.ID), traces.TransactionID(t.ID))
	defer span.End()
	log := logging.L(ctx)

	body, err := json.Marshal(payloadFor(t))
	if err != nil {
		return err
	}
	event := eventFor(t)

	attempts := 0
	err = retry.Do(ctx, d.cfg.MaxAttempts, d.cfg.BaseDelay, func() error {
		attempts++
		metrics.WebhookAttemptsTotal.Inc()
		return d.post(ctx, ep, event, body)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		log.Error("webhook delivery failed permanently",
			"endpoint_id", ep.ID, "url", ep.URL, "transaction_id", t.ID,
			"attempts", attempts, "error", err)
		return err
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	log.Info("webhook delivered",
		"endpoint_id", ep.ID, "transaction_id", t.ID, "event", event, "attempts", attempts)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, ep *Endpoint, event string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Settleflow-Event", event)
	req.Header.Set("X-Settleflow-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set("X-Settleflow-Signature", Sign(body, ep.Secret))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature receivers verify against.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
