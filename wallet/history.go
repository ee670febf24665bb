package wallet

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/wavlake/zapwallet/nip60"
	"github.com/wavlake/zapwallet/relays"
	"github.com/wavlake/zapwallet/wallet/storage"
)

const defaultPageSize = 20

// TimelineEntry is one row of the merged history view. Pending rows are
// the local optimistic overlay; the rest are authoritative records.
type TimelineEntry struct {
	Id        string
	Direction storage.Direction
	Amount    uint64
	Timestamp int64
	Status    storage.TxStatus
	Pending   bool
	Mint      string
	Ref       string
}

// HistoryReconciler merges locally-known pending transactions with the
// authoritative history into one chronological view. An authoritative
// record whose identity (direction, amount, originating quote or nutzap)
// matches a pending transaction evicts it; that and explicit user
// abandonment are the only deletion paths for pending entries.
type HistoryReconciler struct {
	db     storage.WalletDB
	pool   *relays.Pool
	signer relays.Signer
	logger *slog.Logger

	// bounds history publish retries to the owning session
	sessionCtx context.Context

	mu       sync.Mutex
	pending  []storage.PendingTx
	entries  []storage.HistoryRecord
	revealed int
	pageSize int
}

func NewHistoryReconciler(sessionCtx context.Context, db storage.WalletDB, pool *relays.Pool,
	signer relays.Signer, logger *slog.Logger) *HistoryReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryReconciler{
		db:         db,
		pool:       pool,
		signer:     signer,
		logger:     logger,
		sessionCtx: sessionCtx,
		pending:    db.GetPendingTxs(),
		entries:    db.GetHistoryRecords(),
		revealed:   defaultPageSize,
		pageSize:   defaultPageSize,
	}
}

// Record appends an authoritative record, publishes the encrypted
// history event for it, and evicts the matching pending transaction.
// The publish is retried in the background on failure; the local record
// is never rolled back.
func (h *HistoryReconciler) Record(ctx context.Context, record storage.HistoryRecord) error {
	event, err := nip60.NewHistoryEvent(h.signer, nip60.HistoryContent{
		Direction:      string(record.Direction),
		Amount:         record.Amount,
		Ref:            record.Ref,
		CreatedTokens:  record.CreatedTokens,
		RedeemedTokens: record.RedeemedTokens,
	})
	if err != nil {
		h.logger.Error("could not build history event", "error", err)
		record.Id = newId()
	} else {
		record.Id = event.ID
	}

	if err := h.RecordEntry(record); err != nil {
		return err
	}

	if event != nil && h.pool != nil {
		published := h.pool.Publish(ctx, *event)
		if published != nil {
			h.logger.Warn("history publish failed, retrying in background", "event", event.ID)
			go func() {
				if err := h.pool.PublishWithRetry(h.sessionCtx, *event, historyPublishAttempts); err != nil {
					h.logger.Error("history publish gave up", "event", event.ID, "error", err)
				}
			}()
		}
	}
	return nil
}

func (h *HistoryReconciler) AddPending(tx storage.PendingTx) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.db.SavePendingTx(tx); err != nil {
		return err
	}
	h.pending = append(h.pending, tx)
	return nil
}

// Abandon flags a pending transaction as abandoned by the user. The row
// is kept, not destroyed.
func (h *HistoryReconciler) Abandon(id string) error {
	return h.setStatus(id, storage.TxAbandoned)
}

// MarkUnknown parks a pending transaction in the unknown-outcome state
// until it is reconciled against the mint.
func (h *HistoryReconciler) MarkUnknown(id string) error {
	return h.setStatus(id, storage.TxUnknown)
}

func (h *HistoryReconciler) setStatus(id string, status storage.TxStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, tx := range h.pending {
		if tx.Id == id {
			h.pending[i].Status = status
			return h.db.SavePendingTx(h.pending[i])
		}
	}
	return ErrQuoteNotFound
}

// RecordEntry appends an authoritative record and evicts the pending
// transaction for the same operation, if one exists. Authoritative data
// always wins on conflict.
func (h *HistoryReconciler) RecordEntry(entry storage.HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.db.SaveHistoryRecord(entry); err != nil {
		return err
	}
	h.entries = append(h.entries, entry)

	for i, tx := range h.pending {
		if tx.Direction == entry.Direction && tx.Amount == entry.Amount && matchesRef(tx, entry.Ref) {
			if err := h.db.DeletePendingTx(tx.Id); err != nil {
				return err
			}
			h.pending = append(h.pending[:i], h.pending[i+1:]...)
			break
		}
	}
	return nil
}

func matchesRef(tx storage.PendingTx, ref string) bool {
	if ref == "" {
		return false
	}
	return tx.QuoteId == ref || tx.Id == ref || tx.PaymentRequest == ref
}

// PendingById returns the pending transaction with the given id.
func (h *HistoryReconciler) PendingById(id string) *storage.PendingTx {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, tx := range h.pending {
		if tx.Id == id {
			txCopy := tx
			return &txCopy
		}
	}
	return nil
}

// Timeline returns the full merged view, newest first.
func (h *HistoryReconciler) Timeline() []TimelineEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	merged := make([]TimelineEntry, 0, len(h.pending)+len(h.entries))
	for _, tx := range h.pending {
		merged = append(merged, TimelineEntry{
			Id:        tx.Id,
			Direction: tx.Direction,
			Amount:    tx.Amount,
			Timestamp: tx.Timestamp,
			Status:    tx.Status,
			Pending:   true,
			Mint:      tx.Mint,
			Ref:       tx.QuoteId,
		})
	}
	for _, entry := range h.entries {
		merged = append(merged, TimelineEntry{
			Id:        entry.Id,
			Direction: entry.Direction,
			Amount:    entry.Amount,
			Timestamp: entry.Timestamp,
			Ref:       entry.Ref,
		})
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp > merged[j].Timestamp
	})
	return merged
}

// Visible returns the revealed prefix of the timeline. Reveal extends it
// by one page; neither touches the underlying data.
func (h *HistoryReconciler) Visible() []TimelineEntry {
	timeline := h.Timeline()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.revealed < len(timeline) {
		return timeline[:h.revealed]
	}
	return timeline
}

func (h *HistoryReconciler) Reveal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.revealed += h.pageSize
}
