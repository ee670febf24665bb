package wallet

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/wavlake/zapwallet/relays"
	"github.com/wavlake/zapwallet/wallet/client"
	"github.com/wavlake/zapwallet/wallet/storage"
)

// testWallet wires the wallet components against a fake mint, with no
// relay pool so nostr publishing is skipped.
type testWallet struct {
	db      *storage.BoltDB
	signer  *relays.KeySigner
	gateway *MintGateway
	ledger  *ProofLedger
	history *HistoryReconciler
	bridge  *LightningBridge
}

func newTestWallet(t *testing.T) *testWallet {
	t.Helper()

	dbpath := t.TempDir()
	db, err := storage.InitBolt(dbpath)
	if err != nil {
		t.Fatalf("error opening db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		os.RemoveAll(dbpath)
	})

	signer, err := relays.NewKeySigner(nostr.GeneratePrivateKey())
	if err != nil {
		t.Fatalf("error creating signer: %v", err)
	}

	ctx := context.Background()
	gateway := NewMintGateway(client.New(), nil)
	ledger := NewProofLedger(ctx, db, nil, signer, nil)
	history := NewHistoryReconciler(ctx, db, nil, signer, nil)
	bridge := NewLightningBridge(ctx, gateway, ledger, history, db, nil)
	bridge.pollInterval = 10 * time.Millisecond

	return &testWallet{
		db:      db,
		signer:  signer,
		gateway: gateway,
		ledger:  ledger,
		history: history,
		bridge:  bridge,
	}
}

// fund mints proofs for the amount directly, bypassing the polling
// state machine.
func (w *testWallet) fund(t *testing.T, mint *fakeMint, amount uint64) {
	t.Helper()
	ctx := context.Background()

	quote, err := w.gateway.CreateLightningInvoice(ctx, mint.url(), amount)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}
	mint.payInvoice(quote.QuoteId)

	proofs, err := w.gateway.MintTokensFromPaidInvoice(ctx, mint.url(), quote.QuoteId, amount)
	if err != nil {
		t.Fatalf("error minting tokens: %v", err)
	}
	if err := w.ledger.UpdateProofs(ctx, mint.url(), proofs, nil); err != nil {
		t.Fatalf("error adding proofs to ledger: %v", err)
	}
}

func TestReceiveFlow(t *testing.T) {
	mint := newFakeMint(t)
	w := newTestWallet(t)

	receive, err := w.bridge.Receive(context.Background(), mint.url(), 1000)
	if err != nil {
		t.Fatalf("error starting receive: %v", err)
	}
	if receive.Invoice() != testInvoice {
		t.Fatalf("expected invoice '%v' but got '%v'", testInvoice, receive.Invoice())
	}
	if state := receive.State(); state != StatePolling {
		t.Fatalf("expected state '%v' but got '%v'", StatePolling, state)
	}

	// the pending overlay shows the receive while it is in flight
	timeline := w.history.Timeline()
	if len(timeline) != 1 || !timeline[0].Pending {
		t.Fatalf("expected 1 pending timeline entry but got %+v", timeline)
	}

	mint.payInvoice(receive.QuoteId())
	select {
	case err := <-receive.Done():
		if err != nil {
			t.Fatalf("receive failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not settle in time")
	}

	if state := receive.State(); state != StateSettled {
		t.Fatalf("expected state '%v' but got '%v'", StateSettled, state)
	}
	if balance := w.ledger.Balance(mint.url()); balance != 1000 {
		t.Fatalf("expected balance 1000 but got '%v'", balance)
	}

	// authoritative record replaced the pending entry
	timeline = w.history.Timeline()
	if len(timeline) != 1 {
		t.Fatalf("expected 1 timeline entry but got '%v'", len(timeline))
	}
	entry := timeline[0]
	if entry.Pending {
		t.Fatal("expected pending entry to be evicted by the settled record")
	}
	if entry.Direction != storage.In || entry.Amount != 1000 || entry.Ref != receive.QuoteId() {
		t.Fatalf("unexpected history entry: %+v", entry)
	}

	// the quote cannot be credited twice
	quote := w.db.GetMintQuoteById(receive.QuoteId())
	if quote == nil || quote.State != storage.QuoteIssued {
		t.Fatalf("expected issued quote but got %+v", quote)
	}
}

func TestReceiveAbandon(t *testing.T) {
	mint := newFakeMint(t)
	w := newTestWallet(t)

	receive, err := w.bridge.Receive(context.Background(), mint.url(), 500)
	if err != nil {
		t.Fatalf("error starting receive: %v", err)
	}
	if err := w.bridge.Abandon(receive); err != nil {
		t.Fatalf("error abandoning receive: %v", err)
	}

	if state := receive.State(); state != StateAbandoned {
		t.Fatalf("expected state '%v' but got '%v'", StateAbandoned, state)
	}
	quote := w.db.GetMintQuoteById(receive.QuoteId())
	if quote == nil || quote.State != storage.QuoteAbandoned {
		t.Fatalf("expected abandoned quote but got %+v", quote)
	}

	// the abandoned row stays in the timeline, flagged
	timeline := w.history.Timeline()
	if len(timeline) != 1 || timeline[0].Status != storage.TxAbandoned {
		t.Fatalf("expected 1 abandoned timeline entry but got %+v", timeline)
	}
	if balance := w.ledger.Balance(mint.url()); balance != 0 {
		t.Fatalf("expected balance 0 but got '%v'", balance)
	}
}

func TestReceiveResumeAfterError(t *testing.T) {
	mint := newFakeMint(t)
	mint.setQuoteStateBroken(true)
	w := newTestWallet(t)

	receive, err := w.bridge.Receive(context.Background(), mint.url(), 1000)
	if err != nil {
		t.Fatalf("error starting receive: %v", err)
	}

	// polling halts on the lookup failure without the result being read
	deadline := time.Now().Add(5 * time.Second)
	for receive.State() != StateInvoiceCreated {
		if time.Now().After(deadline) {
			t.Fatal("receive did not halt in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mint.setQuoteStateBroken(false)
	mint.payInvoice(receive.QuoteId())
	if err := w.bridge.Resume(receive); err != nil {
		t.Fatalf("error resuming receive: %v", err)
	}

	select {
	case err := <-receive.Done():
		if err != nil {
			t.Fatalf("resumed receive failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resumed receive did not settle in time")
	}

	if state := receive.State(); state != StateSettled {
		t.Fatalf("expected state '%v' but got '%v'", StateSettled, state)
	}
	if balance := w.ledger.Balance(mint.url()); balance != 1000 {
		t.Fatalf("expected balance 1000 but got '%v'", balance)
	}
}

func TestPay(t *testing.T) {
	mint := newFakeMint(t)
	w := newTestWallet(t)
	w.fund(t, mint, 5000)

	quote, err := w.bridge.Pay(context.Background(), mint.url(), testInvoice)
	if err != nil {
		t.Fatalf("error paying invoice: %v", err)
	}
	if quote.State != storage.QuotePaid {
		t.Fatalf("expected state '%v' but got '%v'", storage.QuotePaid, quote.State)
	}
	if quote.Preimage == "" {
		t.Fatal("expected preimage on paid quote")
	}

	// the melt amount left the ledger, the rest came back as change
	if balance := w.ledger.Balance(mint.url()); balance != 5000-quote.Amount {
		t.Fatalf("expected balance '%v' but got '%v'", 5000-quote.Amount, balance)
	}
	if pending := w.db.GetPendingProofsByQuoteId(quote.QuoteId); len(pending) != 0 {
		t.Fatalf("expected no in-flight proofs after payment but got '%v'", len(pending))
	}

	timeline := w.history.Timeline()
	if len(timeline) != 1 || timeline[0].Pending {
		t.Fatalf("expected 1 settled timeline entry but got %+v", timeline)
	}
	if timeline[0].Direction != storage.Out || timeline[0].Amount != quote.Amount {
		t.Fatalf("unexpected history entry: %+v", timeline[0])
	}
}

func TestPayReturnsChange(t *testing.T) {
	mint := newFakeMint(t)
	mint.setMeltFees(10, 3)
	w := newTestWallet(t)
	w.fund(t, mint, 5000)

	quote, err := w.bridge.Pay(context.Background(), mint.url(), testInvoice)
	if err != nil {
		t.Fatalf("error paying invoice: %v", err)
	}
	if quote.FeeReserve != 10 {
		t.Fatalf("expected fee reserve 10 but got '%v'", quote.FeeReserve)
	}

	// only the amount plus the actual routing fee left the wallet; the
	// unused 7 sats of the reserve came back as change proofs
	expected := 5000 - quote.Amount - 3
	if balance := w.ledger.Balance(mint.url()); balance != expected {
		t.Fatalf("expected balance '%v' but got '%v'", expected, balance)
	}
}

func TestPaySplitFailureRestoresProofs(t *testing.T) {
	mint := newFakeMint(t)
	w := newTestWallet(t)
	w.fund(t, mint, 5000)

	// spend the wallet's proofs behind its back so the pre-melt swap is
	// rejected by the mint
	if _, err := w.gateway.Swap(context.Background(), mint.url(), w.ledger.GetMintProofs(mint.url())); err != nil {
		t.Fatalf("error swapping proofs: %v", err)
	}

	_, err := w.bridge.Pay(context.Background(), mint.url(), testInvoice)
	if err == nil {
		t.Fatal("expected pay to fail")
	}

	// the failed split consumed nothing: the selected proofs are back in
	// the ledger instead of being dropped
	if balance := w.ledger.Balance(mint.url()); balance != 5000 {
		t.Fatalf("expected balance 5000 but got '%v'", balance)
	}
	timeline := w.history.Timeline()
	if len(timeline) != 1 || timeline[0].Status != storage.TxAbandoned {
		t.Fatalf("expected 1 abandoned timeline entry but got %+v", timeline)
	}
}

func TestPayInsufficientBalance(t *testing.T) {
	mint := newFakeMint(t)
	w := newTestWallet(t)
	w.fund(t, mint, 100)

	_, err := w.bridge.Pay(context.Background(), mint.url(), testInvoice)
	var balanceErr *InsufficientBalanceError
	if !errors.As(err, &balanceErr) {
		t.Fatalf("expected InsufficientBalanceError but got '%v'", err)
	}

	// checked before any side effect: nothing consumed, nothing pending
	if balance := w.ledger.Balance(mint.url()); balance != 100 {
		t.Fatalf("expected balance 100 but got '%v'", balance)
	}
	if timeline := w.history.Timeline(); len(timeline) != 0 {
		t.Fatalf("expected empty timeline but got %+v", timeline)
	}
}

func TestPayFailedAtMint(t *testing.T) {
	mint := newFakeMint(t)
	mint.setMeltOutcome("unpaid")
	w := newTestWallet(t)
	w.fund(t, mint, 5000)

	_, err := w.bridge.Pay(context.Background(), mint.url(), testInvoice)
	var mintErr *MintError
	if !errors.As(err, &mintErr) {
		t.Fatalf("expected MintError but got '%v'", err)
	}

	// clean failure: the send proofs were restored
	if balance := w.ledger.Balance(mint.url()); balance != 5000 {
		t.Fatalf("expected balance 5000 but got '%v'", balance)
	}
	timeline := w.history.Timeline()
	if len(timeline) != 1 || timeline[0].Status != storage.TxAbandoned {
		t.Fatalf("expected 1 abandoned timeline entry but got %+v", timeline)
	}
}

func TestPayUnknownOutcomeReconciledPaid(t *testing.T) {
	mint := newFakeMint(t)
	mint.setMeltOutcome("hangup")
	w := newTestWallet(t)
	w.fund(t, mint, 5000)

	quote, err := w.bridge.Pay(context.Background(), mint.url(), testInvoice)
	if !errors.Is(err, ErrMeltOutcomeUnknown) {
		t.Fatalf("expected '%v' but got '%v'", ErrMeltOutcomeUnknown, err)
	}
	if quote == nil {
		t.Fatal("expected quote alongside unknown-outcome error")
	}

	// neither outcome assumed: proofs parked, transaction flagged
	if pending := w.db.GetPendingProofsByQuoteId(quote.QuoteId); len(pending) == 0 {
		t.Fatal("expected in-flight proofs to be parked for reconciliation")
	}
	timeline := w.history.Timeline()
	if len(timeline) != 1 || timeline[0].Status != storage.TxUnknown {
		t.Fatalf("expected 1 unknown-status timeline entry but got %+v", timeline)
	}

	// the mint actually paid: reconciliation finalizes the payment
	if err := w.bridge.ReconcileMelt(context.Background(), quote.QuoteId); err != nil {
		t.Fatalf("error reconciling melt: %v", err)
	}

	if balance := w.ledger.Balance(mint.url()); balance != 5000-quote.Amount {
		t.Fatalf("expected balance '%v' but got '%v'", 5000-quote.Amount, balance)
	}
	if pending := w.db.GetPendingProofsByQuoteId(quote.QuoteId); len(pending) != 0 {
		t.Fatalf("expected parked proofs to be cleared but got '%v'", len(pending))
	}
	reconciled := w.db.GetMeltQuoteById(quote.QuoteId)
	if reconciled == nil || reconciled.State != storage.QuotePaid {
		t.Fatalf("expected paid quote after reconciliation but got %+v", reconciled)
	}
	timeline = w.history.Timeline()
	if len(timeline) != 1 || timeline[0].Pending {
		t.Fatalf("expected 1 settled timeline entry but got %+v", timeline)
	}
}

func TestPayUnknownOutcomeReconciledUnpaid(t *testing.T) {
	mint := newFakeMint(t)
	mint.setMeltOutcome("hangup-unpaid")
	w := newTestWallet(t)
	w.fund(t, mint, 5000)

	quote, err := w.bridge.Pay(context.Background(), mint.url(), testInvoice)
	if !errors.Is(err, ErrMeltOutcomeUnknown) {
		t.Fatalf("expected '%v' but got '%v'", ErrMeltOutcomeUnknown, err)
	}

	// the payment never happened: reconciliation restores the funds
	if err := w.bridge.ReconcileMelt(context.Background(), quote.QuoteId); err != nil {
		t.Fatalf("error reconciling melt: %v", err)
	}

	if balance := w.ledger.Balance(mint.url()); balance != 5000 {
		t.Fatalf("expected balance 5000 but got '%v'", balance)
	}
	reconciled := w.db.GetMeltQuoteById(quote.QuoteId)
	if reconciled == nil || reconciled.State != storage.QuoteAbandoned {
		t.Fatalf("expected abandoned quote after reconciliation but got %+v", reconciled)
	}
	timeline := w.history.Timeline()
	if len(timeline) != 1 || timeline[0].Status != storage.TxAbandoned {
		t.Fatalf("expected 1 abandoned timeline entry but got %+v", timeline)
	}

	mint.mu.Lock()
	attempts := mint.meltAttempts
	mint.mu.Unlock()
	if attempts != 1 {
		t.Fatalf("expected exactly 1 melt dispatch but got '%v'", attempts)
	}
}
