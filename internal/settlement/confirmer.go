package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/chainmeter/chainmeter/internal/chain"
	"github.com/chainmeter/chainmeter/internal/gateway"
	"github.com/chainmeter/chainmeter/internal/metrics"
	"github.com/chainmeter/chainmeter/internal/retry"
)

// confirmLoop polls receipts for submitted items until they confirm or
// revert. It runs fully off the submission path: a transaction that never
// confirms just stays pending, tracked by the oldest-pending-age gauge.
func (q *Queue) confirmLoop(done chan struct{}) {
	defer close(done)

	inflight := make(map[string]*item) // txHash → item

	ticker := time.NewTicker(q.cfg.ConfirmInterval)
	defer ticker.Stop()

	sweep := time.NewTicker(q.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-q.stop:
			// Fold anything still buffered in the handoff channel into
			// the inflight set so every caller gets a result. The
			// CallRecords stay pending for the next run.
			for {
				select {
				case it := <-q.confirms:
					inflight[it.txHash] = it
					continue
				default:
				}
				break
			}
			for _, it := range inflight {
				it.done <- Result{State: StateExecuting, TxHash: it.txHash}
			}
			return

		case it := <-q.confirms:
			inflight[it.txHash] = it

		case <-ticker.C:
			for hash, it := range inflight {
				if q.checkReceipt(it) {
					delete(inflight, hash)
				}
			}
			q.updateOldestPendingAge(inflight)

		case <-sweep.C:
			q.sweepPending(inflight)
		}
	}
}

// sweepPending re-adopts submitted records that fell out of tracking, e.g.
// when the handoff channel was full or a previous run died between
// submission and confirmation. Re-adopted items poll like any other; their
// original Enqueue callers are long gone, so the result channel is a
// buffered stand-in nobody reads.
func (q *Queue) sweepPending(inflight map[string]*item) {
	ctx, cancel := context.WithTimeout(context.Background(), receiptTimeout)
	defer cancel()

	cutoff := time.Now().Add(-q.cfg.SweepAge)
	stale, err := q.records.ListPendingOlderThan(ctx, cutoff, sweepBatchSize)
	if err != nil {
		q.logger.Error("pending sweep query failed", "error", err)
		return
	}

	for _, rec := range stale {
		if _, tracked := inflight[rec.TxHash]; tracked {
			continue
		}
		inflight[rec.TxHash] = &item{
			usage: gateway.Usage{
				RecordID:  rec.ID,
				GrantID:   rec.GrantID,
				ListingID: rec.ListingID,
			},
			state:    StateExecuting,
			txHash:   rec.TxHash,
			enqueued: rec.CreatedAt,
			done:     make(chan Result, 1),
		}
		q.logger.Warn("re-adopted untracked pending record",
			"record", rec.ID, "tx", rec.TxHash, "age", time.Since(rec.CreatedAt))
	}
}

// checkReceipt polls one transaction. Returns true when the item reached a
// terminal state and should leave the inflight set.
func (q *Queue) checkReceipt(it *item) bool {
	ctx, cancel := context.WithTimeout(context.Background(), receiptTimeout)
	defer cancel()

	var receipt *chain.Receipt
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		r, err := q.submitter.Receipt(ctx, it.txHash)
		if err != nil {
			// Still-pending and reverted are definitive answers, not
			// transient RPC faults; don't burn retries on them.
			if errors.Is(err, chain.ErrReceiptNotFound) || errors.Is(err, chain.ErrTxReverted) {
				return retry.Permanent(err)
			}
			return err
		}
		receipt = r
		return nil
	})

	switch {
	case err == nil:
		if updateErr := q.records.UpdateChainStatus(ctx, it.usage.RecordID, gateway.ChainConfirmed, receipt.BlockNumber); updateErr != nil {
			q.logger.Error("mark record confirmed", "record", it.usage.RecordID, "error", updateErr)
		}
		it.state = StateConfirmed
		metrics.SettlementConfirmedTotal.Inc()
		q.logger.Info("usage confirmed",
			"record", it.usage.RecordID, "tx", it.txHash, "block", receipt.BlockNumber)
		it.done <- Result{State: StateConfirmed, TxHash: it.txHash, BlockNumber: receipt.BlockNumber}
		return true

	case errors.Is(err, chain.ErrTxReverted):
		if updateErr := q.records.UpdateChainStatus(ctx, it.usage.RecordID, gateway.ChainFailed, 0); updateErr != nil {
			q.logger.Error("mark record failed", "record", it.usage.RecordID, "error", updateErr)
		}
		it.state = StateFailed
		metrics.SettlementFailedTotal.WithLabelValues("reverted").Inc()
		it.done <- Result{State: StateFailed, TxHash: it.txHash, Err: err}
		return true

	default:
		// Not yet mined, or the node was unreachable. Keep polling.
		return false
	}
}

func (q *Queue) updateOldestPendingAge(inflight map[string]*item) {
	if len(inflight) == 0 {
		metrics.SettlementOldestPendingAge.Set(0)
		return
	}
	oldest := time.Now()
	for _, it := range inflight {
		if it.enqueued.Before(oldest) {
			oldest = it.enqueued
		}
	}
	metrics.SettlementOldestPendingAge.Set(time.Since(oldest).Seconds())
}
