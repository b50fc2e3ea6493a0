// Package settlement turns brokered calls into on-chain usage attestations.
//
// A single worker goroutine consumes a buffered queue, assigns nonces from
// a short-lived cache, and submits transactions strictly sequentially with
// a fixed delay between submissions. Confirmation is tracked off the
// submission path by a separate confirmer goroutine, so one slow receipt
// never stalls the pipeline.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chainmeter/chainmeter/internal/chain"
	"github.com/chainmeter/chainmeter/internal/gateway"
	"github.com/chainmeter/chainmeter/internal/metrics"
	"github.com/chainmeter/chainmeter/internal/traces"
)

// ErrQueueFull is returned on the result channel when the settlement queue
// cannot accept another item without blocking the gateway.
var ErrQueueFull = errors.New("settlement: queue full")

const (
	// DefaultSubmitDelay is the pause between consecutive submissions.
	// Sequential pacing keeps the node's pending pool ordered and avoids
	// nonce races at the RPC layer.
	DefaultSubmitDelay = 500 * time.Millisecond

	// DefaultConfirmInterval is how often the confirmer polls receipts.
	DefaultConfirmInterval = 2 * time.Second

	// DefaultQueueSize bounds the submission backlog.
	DefaultQueueSize = 256

	// DefaultSweepInterval is how often the confirmer scans the record
	// store for pending records it is not tracking.
	DefaultSweepInterval = 30 * time.Second

	// DefaultSweepAge is how old a pending record must be before the
	// sweep picks it up. Young records are still moving through the
	// submission path.
	DefaultSweepAge = time.Minute

	// receiptTimeout bounds one receipt poll.
	receiptTimeout = 10 * time.Second

	// sweepBatchSize bounds one sweep query.
	sweepBatchSize = 50
)

// State is the lifecycle of a settlement item. Terminal states are
// in-memory only; the durable record lives on the CallRecord.
type State string

const (
	StateQueued    State = "queued"
	StateExecuting State = "executing"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// Result is the terminal outcome of one settlement item.
type Result struct {
	State       State
	TxHash      string
	BlockNumber uint64
	Err         error
}

// Submitter is the chain surface the queue needs. *chain.UsageLogger
// satisfies it.
type Submitter interface {
	PendingNonce(ctx context.Context) (uint64, error)
	SubmitUsage(ctx context.Context, nonce uint64, record chain.UsageRecord) (string, error)
	Receipt(ctx context.Context, txHash string) (*chain.Receipt, error)
}

// item is one queued usage attestation plus its completion channel.
type item struct {
	usage    gateway.Usage
	state    State
	txHash   string
	enqueued time.Time
	done     chan Result
}

// Config tunes the queue.
type Config struct {
	NonceTTL        time.Duration
	SubmitDelay     time.Duration
	ConfirmInterval time.Duration
	QueueSize       int
	SweepInterval   time.Duration
	SweepAge        time.Duration
}

// Queue is the sequential settlement pipeline.
type Queue struct {
	submitter Submitter
	records   gateway.RecordStore
	logger    *slog.Logger
	cfg       Config

	items    chan *item
	nonces   *nonceCache
	confirms chan *item

	stop    chan struct{}
	stopped chan struct{}
}

// NewQueue creates a settlement queue. Call Start to begin processing.
func NewQueue(submitter Submitter, records gateway.RecordStore, logger *slog.Logger, cfg Config) *Queue {
	if cfg.SubmitDelay <= 0 {
		cfg.SubmitDelay = DefaultSubmitDelay
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = DefaultConfirmInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.SweepAge <= 0 {
		cfg.SweepAge = DefaultSweepAge
	}
	return &Queue{
		submitter: submitter,
		records:   records,
		logger:    logger,
		cfg:       cfg,
		items:     make(chan *item, cfg.QueueSize),
		nonces:    newNonceCache(submitter, cfg.NonceTTL),
		confirms:  make(chan *item, cfg.QueueSize),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start launches the worker and confirmer goroutines.
func (q *Queue) Start() {
	confirmerDone := make(chan struct{})
	go q.confirmLoop(confirmerDone)
	go func() {
		q.submitLoop()
		<-confirmerDone
		close(q.stopped)
	}()
}

// Stop shuts the queue down. The item being submitted finishes; queued
// items are completed as Failed without submission.
func (q *Queue) Stop() {
	close(q.stop)
	<-q.stopped
}

// Enqueue adds a usage attestation to the queue without blocking. The
// returned channel delivers exactly one Result when the item reaches a
// terminal state.
func (q *Queue) Enqueue(usage gateway.Usage) <-chan Result {
	it := &item{
		usage:    usage,
		state:    StateQueued,
		enqueued: time.Now(),
		done:     make(chan Result, 1),
	}

	select {
	case q.items <- it:
		metrics.SettlementQueueDepth.Set(float64(len(q.items)))
	default:
		q.failItem(context.Background(), it, ErrQueueFull)
	}
	return it.done
}

// EnqueueUsage implements gateway.Settler.
func (q *Queue) EnqueueUsage(usage gateway.Usage) {
	q.Enqueue(usage)
}

// submitLoop is the single consumer. It owns the nonce cache.
func (q *Queue) submitLoop() {
	for {
		select {
		case <-q.stop:
			q.drainFailed()
			return
		case it := <-q.items:
			metrics.SettlementQueueDepth.Set(float64(len(q.items)))
			q.submit(it)

			// Fixed pacing between submissions, interruptible by Stop.
			select {
			case <-q.stop:
				q.drainFailed()
				return
			case <-time.After(q.cfg.SubmitDelay):
			}
		}
	}
}

// submit pushes one item on-chain. Any failure invalidates the whole nonce
// cache: a rejected transaction means the pending pool no longer matches
// our local count.
func (q *Queue) submit(it *item) {
	ctx, span := traces.StartSpan(context.Background(), "settlement.submit",
		traces.GrantID(it.usage.GrantID), traces.CallID(it.usage.RecordID))
	defer span.End()

	it.state = StateExecuting

	nonce, err := q.nonces.assign(ctx)
	if err != nil {
		q.logger.Error("nonce assignment failed", "record", it.usage.RecordID, "error", err)
		metrics.SettlementFailedTotal.WithLabelValues("nonce").Inc()
		q.nonces.invalidate()
		q.failItem(ctx, it, err)
		return
	}

	txHash, err := q.submitter.SubmitUsage(ctx, nonce, chain.UsageRecord{
		GrantID:   it.usage.GrantID,
		ListingID: it.usage.ListingID,
		Calls:     it.usage.Calls,
		CostRaw:   it.usage.CostRaw,
	})
	if err != nil {
		q.logger.Error("usage submission failed",
			"record", it.usage.RecordID, "nonce", nonce, "error", err)
		metrics.SettlementFailedTotal.WithLabelValues("submit").Inc()
		q.nonces.invalidate()
		q.failItem(ctx, it, err)
		return
	}

	it.txHash = txHash
	span.SetAttributes(traces.TxHash(txHash))
	metrics.SettlementSubmittedTotal.Inc()

	if err := q.records.SetTxHash(ctx, it.usage.RecordID, txHash); err != nil {
		q.logger.Error("record tx hash", "record", it.usage.RecordID, "error", err)
	}

	q.logger.Info("usage submitted",
		"record", it.usage.RecordID, "tx", txHash, "nonce", nonce)

	// Hand off to the confirmer; the submission path never waits on
	// inclusion.
	select {
	case q.confirms <- it:
	default:
		// Confirmer backlog full. The record stays pending; the
		// confirmer's sweep of old pending records is the safety net.
		q.logger.Warn("confirmer backlog full, record stays pending",
			"record", it.usage.RecordID, "tx", txHash)
		it.done <- Result{State: StateExecuting, TxHash: txHash}
	}
}

// failItem marks the CallRecord failed and completes the item.
func (q *Queue) failItem(ctx context.Context, it *item, err error) {
	it.state = StateFailed
	if updateErr := q.records.UpdateChainStatus(ctx, it.usage.RecordID, gateway.ChainFailed, 0); updateErr != nil {
		q.logger.Error("mark record failed", "record", it.usage.RecordID, "error", updateErr)
	}
	it.done <- Result{State: StateFailed, TxHash: it.txHash, Err: err}
}

// drainFailed completes everything still queued at shutdown.
func (q *Queue) drainFailed() {
	for {
		select {
		case it := <-q.items:
			q.failItem(context.Background(), it, errors.New("settlement: queue stopped"))
		default:
			return
		}
	}
}
