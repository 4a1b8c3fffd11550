// Package settlement decides the terminal status of pending transactions.
//
// Settlement simulates an external payment network: a randomized delay,
// then a weighted success/failure outcome. The transition itself runs
// under the transaction row lock and is idempotent, so a settle job can be
// retried or duplicated safely. Webhook fan-out is enqueued only after the
// transition commits, and only by the execution that performed it.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/mbd888/settleflow/internal/cache"
	"github.com/mbd888/settleflow/internal/jobs"
	"github.com/mbd888/settleflow/internal/logging"
	"github.com/mbd888/settleflow/internal/metrics"
	"github.com/mbd888/settleflow/internal/retry"
	"github.com/mbd888/settleflow/internal/traces"
	"github.com/mbd888/settleflow/internal/transaction"
)

// Outcome is a settlement decision.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// OutcomePolicy decides whether a settlement succeeds.
type OutcomePolicy interface {
	Decide() Outcome
}

// WeightedPolicy succeeds with probability SuccessRate.
type WeightedPolicy struct {
	SuccessRate float64
}

func (p WeightedPolicy) Decide() Outcome {
	if rand.Float64() < p.SuccessRate {
		return OutcomeSucceeded
	}
	return OutcomeFailed
}

// errAlreadySettled aborts a transition without writing; it marks the
// duplicate-settlement no-op path.
var errAlreadySettled = errors.New("transaction already settled")

// Config tunes the simulated settlement delay.
type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Enqueuer submits follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload []byte) error
}

// Engine settles pending transactions.
type Engine struct {
	store  transaction.Store
	queue  Enqueuer
	policy OutcomePolicy
	cache  cache.Cache
	cfg    Config
}

// NewEngine creates a settlement engine.
func NewEngine(store transaction.Store, queue Enqueuer, policy OutcomePolicy, c cache.Cache, cfg Config) *Engine {
	return &Engine{store: store, queue: queue, policy: policy, cache: c, cfg: cfg}
}

// HandleJob is the jobs handler for settlement.process.
func (e *Engine) HandleJob(ctx context.Context, payload []byte) error {
	var p jobs.SettlePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return retry.Permanent(err)
	}
	return e.Settle(ctx, p.TransactionID)
}

// Settle waits out the simulated settlement delay, then transitions the
// transaction to its terminal status. Calling it again for an already
// settled transaction is a no-op.
func (e *Engine) Settle(ctx context.Context, txID string) error {
	ctx, span := traces.StartSpan(ctx, "settlement.settle", traces.TransactionID(txID))
	defer span.End()
	log := logging.L(ctx)
	start := time.Now()

	if err := e.wait(ctx); err != nil {
		return err
	}

	var settled *transaction.Transaction
	committed, err := e.store.Transition(ctx, txID, func(t *transaction.Transaction) error {
		// Terminal check first, inside the lock: the deciding line between
		// one settlement and two.
		if t.Status.Terminal() {
			return errAlreadySettled
		}
		outcome := e.policy.Decide()
		t.Status = transaction.Status(outcome)
		t.UpdatedAt = time.Now().UTC()
		return nil
	})
	switch {
	case errors.Is(err, transaction.ErrNotFound):
		// A settle job for a transaction that does not exist will never
		// succeed; retrying it is pure waste.
		log.Error("settlement for missing transaction", "transaction_id", txID)
		metrics.SettlementsTotal.WithLabelValues("missing").Inc()
		return retry.Permanent(err)
	case errors.Is(err, errAlreadySettled):
		metrics.SettlementsTotal.WithLabelValues("noop").Inc()
		log.Info("transaction already settled", "transaction_id", txID)
		return nil
	case err != nil:
		return err
	}
	settled = committed

	metrics.SettlementsTotal.WithLabelValues(string(settled.Status)).Inc()
	metrics.TransactionsTotal.WithLabelValues(string(settled.Status)).Inc()
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	log.Info("transaction settled",
		"transaction_id", settled.ID, "status", settled.Status, "amount", settled.Amount)

	e.cache.Delete(ctx, cache.DetailKey(settled.ID))
	e.cache.DeletePrefix(ctx, cache.MerchantListPrefix(settled.MerchantID))

	// Fan-out goes out after the commit, never under the row lock. If the
	// enqueue fails the job layer retries Settle, which no-ops the
	// transition and lands back here.
	payload, _ := json.Marshal(jobs.FanOutPayload{TransactionID: settled.ID})
	if err := e.queue.Enqueue(ctx, jobs.TypeWebhookFanOut, payload); err != nil {
		return err
	}
	return nil
}

// wait sleeps for a uniformly random duration in [MinDelay, MaxDelay],
// bailing out early if ctx ends.
func (e *Engine) wait(ctx context.Context) error {
	delay := e.cfg.MinDelay
	if spread := e.cfg.MaxDelay - e.cfg.MinDelay; spread > 0 {
		delay += time.Duration(rand.Int64N(int64(spread) + 1))
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
