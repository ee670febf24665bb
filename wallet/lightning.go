package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elnosh/gonuts/cashu"
	decodepay "github.com/nbd-wtf/ln-decodepay"

	"github.com/wavlake/zapwallet/wallet/storage"
)

const (
	defaultPollInterval    = 5 * time.Second
	historyPublishAttempts = 5
)

type ReceiveState int

const (
	StateIdle ReceiveState = iota
	StateInvoiceCreated
	StatePolling
	StatePaid
	StateSettled
	StateAbandoned
)

func (s ReceiveState) String() string {
	switch s {
	case StateInvoiceCreated:
		return "invoice-created"
	case StatePolling:
		return "polling"
	case StatePaid:
		return "paid"
	case StateSettled:
		return "settled"
	case StateAbandoned:
		return "abandoned"
	default:
		return "idle"
	}
}

// Receive is an in-flight Lightning-to-ecash bridge operation. It polls
// the mint until the invoice is paid, then credits the ledger exactly
// once.
type Receive struct {
	quote     storage.MintQuote
	pendingId string

	mu     sync.Mutex
	state  ReceiveState
	done   chan error
	cancel context.CancelFunc
}

func (r *Receive) Invoice() string {
	return r.quote.PaymentRequest
}

func (r *Receive) QuoteId() string {
	return r.quote.QuoteId
}

func (r *Receive) State() ReceiveState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done delivers nil when the receive settles, or the error that halted
// polling. A halted receive may be resumed with LightningBridge.Resume.
func (r *Receive) Done() <-chan error {
	return r.done
}

func (r *Receive) setState(state ReceiveState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

// LightningBridge turns mint quotes into a pollable invoice-paid state
// machine on the receive side and executes one-shot melt payments on the
// send side.
type LightningBridge struct {
	gateway *MintGateway
	ledger  *ProofLedger
	history *HistoryReconciler
	db      storage.WalletDB
	logger  *slog.Logger

	sessionCtx   context.Context
	pollInterval time.Duration
}

func NewLightningBridge(sessionCtx context.Context, gateway *MintGateway, ledger *ProofLedger,
	history *HistoryReconciler, db storage.WalletDB, logger *slog.Logger) *LightningBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &LightningBridge{
		gateway:      gateway,
		ledger:       ledger,
		history:      history,
		db:           db,
		logger:       logger,
		sessionCtx:   sessionCtx,
		pollInterval: defaultPollInterval,
	}
}

// Receive requests an invoice for the amount on the given mint and
// starts polling for payment.
func (b *LightningBridge) Receive(ctx context.Context, mint string, amount uint64) (*Receive, error) {
	quote, err := b.gateway.CreateLightningInvoice(ctx, mint, amount)
	if err != nil {
		return nil, err
	}
	if err := b.db.SaveMintQuote(quote); err != nil {
		return nil, fmt.Errorf("could not save mint quote: %v", err)
	}

	pendingTx := storage.PendingTx{
		Id:             newId(),
		Direction:      storage.In,
		Amount:         amount,
		Timestamp:      time.Now().Unix(),
		Status:         storage.TxPending,
		Mint:           mint,
		QuoteId:        quote.QuoteId,
		PaymentRequest: quote.PaymentRequest,
	}
	if err := b.history.AddPending(pendingTx); err != nil {
		return nil, fmt.Errorf("could not record pending transaction: %v", err)
	}

	receive := &Receive{
		quote:     quote,
		pendingId: pendingTx.Id,
		state:     StateInvoiceCreated,
		done:      make(chan error, 1),
	}
	b.startPolling(receive)
	return receive, nil
}

// Resume restarts polling for a receive halted by a transport error.
func (b *LightningBridge) Resume(receive *Receive) error {
	state := receive.State()
	if state == StateSettled || state == StateAbandoned {
		return errors.New("receive already finished")
	}
	b.startPolling(receive)
	return nil
}

func (b *LightningBridge) startPolling(receive *Receive) {
	pollCtx, cancel := context.WithCancel(b.sessionCtx)
	receive.mu.Lock()
	receive.cancel = cancel
	receive.state = StatePolling
	receive.mu.Unlock()

	// drop an undelivered result from a halted run so this run's final
	// send cannot block
	select {
	case <-receive.done:
	default:
	}

	go b.poll(pollCtx, receive)
}

func (b *LightningBridge) poll(ctx context.Context, receive *Receive) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			proofs, err := b.gateway.MintTokensFromPaidInvoice(ctx, receive.quote.Mint,
				receive.quote.QuoteId, receive.quote.Amount)
			if err != nil {
				// a real failure, not "not yet paid": surface it and halt
				// instead of rescheduling blindly. Resume retries manually.
				b.logger.Error("mint poll failed", "mint", receive.quote.Mint,
					"quote", receive.quote.QuoteId, "error", err)
				receive.done <- err
				receive.setState(StateInvoiceCreated)
				return
			}
			if len(proofs) == 0 {
				continue
			}

			receive.setState(StatePaid)
			if err := b.settle(ctx, receive, proofs); err != nil {
				receive.done <- err
				return
			}
			receive.setState(StateSettled)
			receive.done <- nil
			return
		}
	}
}

func (b *LightningBridge) settle(ctx context.Context, receive *Receive, proofs cashu.Proofs) error {
	mint := receive.quote.Mint
	if err := b.ledger.UpdateProofs(ctx, mint, proofs, nil); err != nil {
		return err
	}

	receive.quote.State = storage.QuoteIssued
	if err := b.db.SaveMintQuote(receive.quote); err != nil {
		b.logger.Error("could not update mint quote state", "quote", receive.quote.QuoteId, "error", err)
	}

	createdTokens := []string{}
	for _, proof := range proofs {
		if eventId := b.ledger.GetProofEventID(mint, proof); eventId != "" && !contains(createdTokens, eventId) {
			createdTokens = append(createdTokens, eventId)
		}
	}

	return b.history.Record(ctx, storage.HistoryRecord{
		Direction:     storage.In,
		Amount:        receive.quote.Amount,
		Timestamp:     time.Now().Unix(),
		Ref:           receive.quote.QuoteId,
		CreatedTokens: createdTokens,
	})
}

// Abandon stops local polling. It has no effect on mint state: the
// invoice may still be paid later, in which case the funds are not
// creditable through this quote again.
func (b *LightningBridge) Abandon(receive *Receive) error {
	receive.mu.Lock()
	if receive.state == StateSettled {
		receive.mu.Unlock()
		return errors.New("receive already settled")
	}
	if receive.cancel != nil {
		receive.cancel()
	}
	receive.state = StateAbandoned
	receive.mu.Unlock()

	receive.quote.State = storage.QuoteAbandoned
	if err := b.db.SaveMintQuote(receive.quote); err != nil {
		return err
	}
	return b.history.Abandon(receive.pendingId)
}

// Pay melts proofs from the mint to pay a BOLT11 invoice. The balance
// check happens before any proof is consumed; once the melt is
// dispatched there is no retry and no cancel.
func (b *LightningBridge) Pay(ctx context.Context, mint, invoice string) (*storage.MeltQuote, error) {
	if _, err := decodepay.Decodepay(invoice); err != nil {
		return nil, fmt.Errorf("invalid invoice: %v", err)
	}

	quote, err := b.gateway.CreateMeltQuote(ctx, mint, invoice)
	if err != nil {
		return nil, err
	}

	needed := quote.Amount + quote.FeeReserve
	available := b.ledger.Balance(mint)
	if available < needed {
		return nil, &InsufficientBalanceError{Mint: mint, Available: available, Needed: needed}
	}

	if err := b.db.SaveMeltQuote(quote); err != nil {
		return nil, fmt.Errorf("could not save melt quote: %v", err)
	}

	pendingTx := storage.PendingTx{
		Id:             newId(),
		Direction:      storage.Out,
		Amount:         quote.Amount,
		Timestamp:      time.Now().Unix(),
		Status:         storage.TxPending,
		Mint:           mint,
		QuoteId:        quote.QuoteId,
		PaymentRequest: invoice,
	}
	if err := b.history.AddPending(pendingTx); err != nil {
		return nil, fmt.Errorf("could not record pending transaction: %v", err)
	}

	selected, err := selectProofsForAmount(b.ledger.GetMintProofs(mint), needed)
	if err != nil {
		return nil, &InsufficientBalanceError{Mint: mint, Available: available, Needed: needed}
	}

	// take the inputs out of the ledger before the swap so a failed or
	// interrupted split cannot leave invalidated proofs spendable
	if err := b.ledger.UpdateProofs(ctx, mint, nil, selected); err != nil {
		b.history.Abandon(pendingTx.Id)
		return nil, err
	}

	send, change, err := b.gateway.SplitForSend(ctx, mint, selected, needed, "")
	if err != nil {
		// split failed before the melt was dispatched; restore the inputs
		if rerr := b.ledger.UpdateProofs(ctx, mint, selected, nil); rerr != nil {
			b.logger.Error("could not restore proofs after failed split", "mint", mint, "error", rerr)
		}
		b.history.Abandon(pendingTx.Id)
		return nil, err
	}
	if err := b.ledger.UpdateProofs(ctx, mint, change, nil); err != nil {
		b.logger.Error("could not credit change proofs", "mint", mint, "error", err)
	}

	sendDBProofs := make([]storage.DBProof, len(send))
	for i, proof := range send {
		sendDBProofs[i] = storage.FromCashu(proof, mint, "")
	}
	if err := b.db.AddPendingProofsByQuoteId(sendDBProofs, quote.QuoteId); err != nil {
		b.logger.Error("could not save in-flight melt proofs", "quote", quote.QuoteId, "error", err)
	}

	paid, preimage, meltChange, err := b.gateway.PayMeltQuote(ctx, mint, quote.QuoteId, send, quote.FeeReserve)
	if err != nil {
		// the mint may or may not have debited the proofs; park the
		// transaction until reconciled, assume neither outcome
		if err := b.history.MarkUnknown(pendingTx.Id); err != nil {
			b.logger.Error("could not mark melt as unknown", "quote", quote.QuoteId, "error", err)
		}
		return &quote, fmt.Errorf("%w: %v", ErrMeltOutcomeUnknown, err)
	}

	if !paid {
		// clean failure reported by the mint: inputs were not spent
		if err := b.ledger.UpdateProofs(ctx, mint, send, nil); err != nil {
			return nil, err
		}
		b.db.DeletePendingProofsByQuoteId(quote.QuoteId)
		b.history.Abandon(pendingTx.Id)
		return nil, &MintError{Mint: mint, Amount: quote.Amount, Err: errors.New("payment failed")}
	}

	quote.State = storage.QuotePaid
	quote.Preimage = preimage
	if err := b.db.SaveMeltQuote(quote); err != nil {
		b.logger.Error("could not update melt quote state", "quote", quote.QuoteId, "error", err)
	}
	b.db.DeletePendingProofsByQuoteId(quote.QuoteId)

	// the unspent part of the fee reserve comes back as change
	if len(meltChange) > 0 {
		if err := b.ledger.UpdateProofs(ctx, mint, meltChange, nil); err != nil {
			b.logger.Error("could not credit melt change", "quote", quote.QuoteId, "error", err)
		}
	}

	if err := b.history.Record(ctx, storage.HistoryRecord{
		Direction: storage.Out,
		Amount:    quote.Amount,
		Timestamp: time.Now().Unix(),
		Ref:       quote.QuoteId,
	}); err != nil {
		b.logger.Error("could not record history entry", "quote", quote.QuoteId, "error", err)
	}
	return &quote, nil
}

// ReconcileMelt resolves a melt that ended in the unknown-outcome state
// by re-querying the mint: a paid quote is finalized, an unpaid one has
// its in-flight proofs restored to the ledger.
func (b *LightningBridge) ReconcileMelt(ctx context.Context, quoteId string) error {
	quote := b.db.GetMeltQuoteById(quoteId)
	if quote == nil {
		return ErrQuoteNotFound
	}

	state, err := b.gateway.MeltQuoteState(ctx, quote.Mint, quoteId)
	if err != nil {
		return err
	}

	if state == storage.QuotePaid {
		quote.State = storage.QuotePaid
		if err := b.db.SaveMeltQuote(*quote); err != nil {
			return err
		}
		b.db.DeletePendingProofsByQuoteId(quoteId)
		return b.history.Record(ctx, storage.HistoryRecord{
			Direction: storage.Out,
			Amount:    quote.Amount,
			Timestamp: time.Now().Unix(),
			Ref:       quoteId,
		})
	}

	// quote was never paid: the in-flight proofs are still unspent
	pendingProofs := b.db.GetPendingProofsByQuoteId(quoteId)
	if len(pendingProofs) > 0 {
		proofs := make(cashu.Proofs, len(pendingProofs))
		for i, dbProof := range pendingProofs {
			proofs[i] = dbProof.ToCashu()
		}
		if err := b.ledger.UpdateProofs(ctx, quote.Mint, proofs, nil); err != nil {
			return err
		}
	}
	b.db.DeletePendingProofsByQuoteId(quoteId)

	quote.State = storage.QuoteAbandoned
	if err := b.db.SaveMeltQuote(*quote); err != nil {
		return err
	}
	if pending := pendingByQuote(b.history, quoteId); pending != nil {
		return b.history.Abandon(pending.Id)
	}
	return nil
}

func pendingByQuote(h *HistoryReconciler, quoteId string) *storage.PendingTx {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, tx := range h.pending {
		if tx.QuoteId == quoteId {
			txCopy := tx
			return &txCopy
		}
	}
	return nil
}

func newId() string {
	idBytes := make([]byte, 16)
	rand.Read(idBytes)
	return hex.EncodeToString(idBytes)
}
