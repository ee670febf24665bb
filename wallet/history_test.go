package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/wavlake/zapwallet/relays"
	"github.com/wavlake/zapwallet/wallet/storage"
)

func newTestHistory(t *testing.T) (*HistoryReconciler, *storage.BoltDB) {
	t.Helper()
	db, err := storage.InitBolt(t.TempDir())
	if err != nil {
		t.Fatalf("error opening db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	signer, err := relays.NewKeySigner(nostr.GeneratePrivateKey())
	if err != nil {
		t.Fatalf("error creating signer: %v", err)
	}
	return NewHistoryReconciler(context.Background(), db, nil, signer, nil), db
}

func TestHistoryRecordEvictsPending(t *testing.T) {
	history, db := newTestHistory(t)

	pending := storage.PendingTx{
		Id:        "pending1",
		Direction: storage.In,
		Amount:    21,
		Timestamp: 100,
		Status:    storage.TxPending,
		QuoteId:   "quote1",
	}
	if err := history.AddPending(pending); err != nil {
		t.Fatalf("error adding pending tx: %v", err)
	}

	// a record for a different operation does not evict it
	if err := history.Record(context.Background(), storage.HistoryRecord{
		Direction: storage.In,
		Amount:    21,
		Timestamp: 150,
		Ref:       "someotherquote",
	}); err != nil {
		t.Fatalf("error recording history: %v", err)
	}
	if timeline := history.Timeline(); len(timeline) != 2 {
		t.Fatalf("expected 2 timeline entries but got '%v'", len(timeline))
	}

	// the matching authoritative record wins and removes the overlay
	if err := history.Record(context.Background(), storage.HistoryRecord{
		Direction: storage.In,
		Amount:    21,
		Timestamp: 200,
		Ref:       "quote1",
	}); err != nil {
		t.Fatalf("error recording history: %v", err)
	}

	timeline := history.Timeline()
	if len(timeline) != 2 {
		t.Fatalf("expected 2 timeline entries but got '%v'", len(timeline))
	}
	for _, entry := range timeline {
		if entry.Pending {
			t.Fatalf("expected pending entry to be evicted: %+v", entry)
		}
	}
	if txs := db.GetPendingTxs(); len(txs) != 0 {
		t.Fatalf("expected 0 pending txs in db but got '%v'", len(txs))
	}
}

func TestHistoryTimelineOrder(t *testing.T) {
	history, _ := newTestHistory(t)

	timestamps := []int64{300, 100, 500}
	for i, ts := range timestamps {
		if err := history.Record(context.Background(), storage.HistoryRecord{
			Direction: storage.Out,
			Amount:    uint64(i + 1),
			Timestamp: ts,
		}); err != nil {
			t.Fatalf("error recording history: %v", err)
		}
	}
	if err := history.AddPending(storage.PendingTx{
		Id:        "pending1",
		Direction: storage.In,
		Amount:    9,
		Timestamp: 400,
		Status:    storage.TxPending,
	}); err != nil {
		t.Fatalf("error adding pending tx: %v", err)
	}

	timeline := history.Timeline()
	if len(timeline) != 4 {
		t.Fatalf("expected 4 timeline entries but got '%v'", len(timeline))
	}
	expectedOrder := []int64{500, 400, 300, 100}
	for i, entry := range timeline {
		if entry.Timestamp != expectedOrder[i] {
			t.Fatalf("expected timestamp '%v' at position %d but got '%v'",
				expectedOrder[i], i, entry.Timestamp)
		}
	}
}

func TestHistoryPagination(t *testing.T) {
	history, _ := newTestHistory(t)
	history.pageSize = 5
	history.revealed = 5

	for i := 0; i < 12; i++ {
		if err := history.Record(context.Background(), storage.HistoryRecord{
			Direction: storage.In,
			Amount:    uint64(i + 1),
			Timestamp: int64(i),
		}); err != nil {
			t.Fatalf("error recording history: %v", err)
		}
	}

	if visible := history.Visible(); len(visible) != 5 {
		t.Fatalf("expected 5 visible entries but got '%v'", len(visible))
	}

	history.Reveal()
	if visible := history.Visible(); len(visible) != 10 {
		t.Fatalf("expected 10 visible entries but got '%v'", len(visible))
	}

	// revealing past the end just shows everything
	history.Reveal()
	if visible := history.Visible(); len(visible) != 12 {
		t.Fatalf("expected 12 visible entries but got '%v'", len(visible))
	}
}

func TestHistoryAbandonAndUnknown(t *testing.T) {
	history, _ := newTestHistory(t)

	if err := history.AddPending(storage.PendingTx{
		Id:        "pending1",
		Direction: storage.Out,
		Amount:    21,
		Timestamp: 100,
		Status:    storage.TxPending,
	}); err != nil {
		t.Fatalf("error adding pending tx: %v", err)
	}

	if err := history.Abandon("pending1"); err != nil {
		t.Fatalf("error abandoning pending tx: %v", err)
	}
	// abandoned rows are kept, not destroyed
	tx := history.PendingById("pending1")
	if tx == nil || tx.Status != storage.TxAbandoned {
		t.Fatalf("expected abandoned pending tx but got %+v", tx)
	}

	if err := history.MarkUnknown("pending1"); err != nil {
		t.Fatalf("error marking pending tx unknown: %v", err)
	}
	if tx := history.PendingById("pending1"); tx.Status != storage.TxUnknown {
		t.Fatalf("expected status '%v' but got '%v'", storage.TxUnknown, tx.Status)
	}

	if err := history.Abandon("nonexistent"); !errors.Is(err, ErrQuoteNotFound) {
		t.Fatalf("expected '%v' but got '%v'", ErrQuoteNotFound, err)
	}
}

func TestHistoryPersistence(t *testing.T) {
	db, err := storage.InitBolt(t.TempDir())
	if err != nil {
		t.Fatalf("error opening db: %v", err)
	}
	defer db.Close()

	signer, err := relays.NewKeySigner(nostr.GeneratePrivateKey())
	if err != nil {
		t.Fatalf("error creating signer: %v", err)
	}

	history := NewHistoryReconciler(context.Background(), db, nil, signer, nil)
	if err := history.Record(context.Background(), storage.HistoryRecord{
		Direction: storage.In,
		Amount:    21,
		Timestamp: 100,
	}); err != nil {
		t.Fatalf("error recording history: %v", err)
	}
	if err := history.AddPending(storage.PendingTx{
		Id:        "pending1",
		Direction: storage.Out,
		Amount:    5,
		Timestamp: 200,
		Status:    storage.TxPending,
	}); err != nil {
		t.Fatalf("error adding pending tx: %v", err)
	}

	reloaded := NewHistoryReconciler(context.Background(), db, nil, signer, nil)
	timeline := reloaded.Timeline()
	if len(timeline) != 2 {
		t.Fatalf("expected 2 timeline entries after reload but got '%v'", len(timeline))
	}
}
