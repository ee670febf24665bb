package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut03"
	"github.com/elnosh/gonuts/cashu/nuts/nut04"
	"github.com/elnosh/gonuts/cashu/nuts/nut05"
	"github.com/elnosh/gonuts/cashu/nuts/nut10"
	"github.com/elnosh/gonuts/crypto"

	"github.com/wavlake/zapwallet/wallet/client"
	"github.com/wavlake/zapwallet/wallet/storage"
)

// MintGateway wraps the quote/mint/melt/swap API of the mints the wallet
// talks to. It owns blinded message construction and signature unblinding;
// callers only ever see finished proofs.
type MintGateway struct {
	client *client.Client
	logger *slog.Logger

	mu      sync.Mutex
	keysets map[string]*crypto.WalletKeyset
}

func NewMintGateway(c *client.Client, logger *slog.Logger) *MintGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &MintGateway{
		client:  c,
		logger:  logger,
		keysets: make(map[string]*crypto.WalletKeyset),
	}
}

func (g *MintGateway) activeKeyset(ctx context.Context, mint string) (*crypto.WalletKeyset, error) {
	g.mu.Lock()
	keyset, ok := g.keysets[mint]
	g.mu.Unlock()
	if ok {
		return keyset, nil
	}

	keyset, err := getMintActiveKeyset(ctx, g.client, mint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMintUnavailable, err)
	}

	g.mu.Lock()
	g.keysets[mint] = keyset
	g.mu.Unlock()
	return keyset, nil
}

// CreateLightningInvoice requests a mint quote: an invoice that, once
// paid, can be redeemed for proofs.
func (g *MintGateway) CreateLightningInvoice(ctx context.Context, mint string, amount uint64) (storage.MintQuote, error) {
	request := nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: cashu.Sat.String()}
	quoteRes, err := g.client.PostMintQuoteBolt11(ctx, mint, request)
	if err != nil {
		return storage.MintQuote{}, &MintError{Mint: mint, Amount: amount,
			Err: fmt.Errorf("%w: %v", ErrMintUnavailable, err)}
	}

	return storage.MintQuote{
		QuoteId:        quoteRes.Quote,
		Mint:           mint,
		Method:         cashu.BOLT11_METHOD,
		Amount:         amount,
		PaymentRequest: quoteRes.Request,
		State:          storage.QuoteUnpaid,
		Expiry:         int64(quoteRes.Expiry),
	}, nil
}

// MintTokensFromPaidInvoice checks the quote and, if the invoice was
// paid, mints proofs for it. An unpaid invoice is the expected common
// case during polling and returns an empty set, not an error. A quote
// that was already issued also returns an empty set so repeated calls
// after success cannot re-mint.
func (g *MintGateway) MintTokensFromPaidInvoice(ctx context.Context, mint, quoteId string, amount uint64) (cashu.Proofs, error) {
	quoteState, err := g.client.GetMintQuoteState(ctx, mint, quoteId)
	if err != nil {
		return nil, &MintError{Mint: mint, Amount: amount,
			Err: fmt.Errorf("%w: %v", ErrMintUnavailable, err)}
	}

	switch quoteState.State {
	case nut04.Unpaid:
		return cashu.Proofs{}, nil
	case nut04.Issued:
		return cashu.Proofs{}, nil
	}

	keyset, err := g.activeKeyset(ctx, mint)
	if err != nil {
		return nil, err
	}

	blindedMessages, secrets, rs, err := createBlindedMessages(amount, keyset.Id)
	if err != nil {
		return nil, fmt.Errorf("error creating blinded messages: %v", err)
	}

	mintRes, err := g.client.PostMintBolt11(ctx, mint, nut04.PostMintBolt11Request{
		Quote:   quoteId,
		Outputs: blindedMessages,
	})
	if err != nil {
		return nil, &MintError{Mint: mint, Amount: amount, Err: err}
	}

	proofs, err := constructProofs(mintRes.Signatures, secrets, rs, keyset)
	if err != nil {
		return nil, fmt.Errorf("error constructing proofs: %v", err)
	}
	return proofs, nil
}

// CreateMeltQuote quotes a BOLT11 invoice for payment from this mint.
func (g *MintGateway) CreateMeltQuote(ctx context.Context, mint, invoice string) (storage.MeltQuote, error) {
	request := nut05.PostMeltQuoteBolt11Request{Request: invoice, Unit: cashu.Sat.String()}
	quoteRes, err := g.client.PostMeltQuoteBolt11(ctx, mint, request)
	if err != nil {
		return storage.MeltQuote{}, &MintError{Mint: mint,
			Err: fmt.Errorf("%w: %v", ErrMintUnavailable, err)}
	}

	return storage.MeltQuote{
		QuoteId:        quoteRes.Quote,
		Mint:           mint,
		Method:         cashu.BOLT11_METHOD,
		Amount:         quoteRes.Amount,
		FeeReserve:     quoteRes.FeeReserve,
		PaymentRequest: invoice,
		State:          storage.QuoteUnpaid,
		Expiry:         int64(quoteRes.Expiry),
	}, nil
}

// PayMeltQuote spends the given proofs to pay the quoted invoice. Blank
// outputs accompany the inputs so the unused part of the fee reserve
// comes back as change proofs. It is not idempotent and must be invoked
// at most once per quote; callers own that discipline.
func (g *MintGateway) PayMeltQuote(ctx context.Context, mint, quoteId string, proofs cashu.Proofs,
	feeReserve uint64) (paid bool, preimage string, change cashu.Proofs, err error) {

	keyset, err := g.activeKeyset(ctx, mint)
	if err != nil {
		return false, "", nil, err
	}
	outputs, secrets, rs, err := blankOutputs(feeReserve, keyset.Id)
	if err != nil {
		return false, "", nil, fmt.Errorf("error creating blank outputs: %v", err)
	}

	meltRes, err := g.client.PostMeltBolt11(ctx, mint, nut05.PostMeltBolt11Request{
		Quote:   quoteId,
		Inputs:  proofs,
		Outputs: outputs,
	})
	if err != nil {
		return false, "", nil, &MintError{Mint: mint, Amount: proofs.Amount(), Err: err}
	}

	if n := len(meltRes.Change); n > 0 && n <= len(outputs) {
		changeProofs, err := constructProofs(meltRes.Change, secrets[:n], rs[:n], keyset)
		if err != nil {
			g.logger.Error("could not unblind melt change", "mint", mint, "error", err)
		} else {
			change = changeProofs
		}
	}
	return meltRes.State == nut05.Paid, meltRes.Preimage, change, nil
}

// MeltQuoteState re-queries a melt quote, used to reconcile payments
// whose dispatch ended in an unknown outcome.
func (g *MintGateway) MeltQuoteState(ctx context.Context, mint, quoteId string) (storage.QuoteState, error) {
	quoteRes, err := g.client.GetMeltQuoteState(ctx, mint, quoteId)
	if err != nil {
		return storage.QuoteUnpaid, &MintError{Mint: mint,
			Err: fmt.Errorf("%w: %v", ErrMintUnavailable, err)}
	}
	if quoteRes.State == nut05.Paid {
		return storage.QuotePaid, nil
	}
	return storage.QuoteUnpaid, nil
}

// Swap exchanges the given proofs for fresh ones of the same total.
// Incoming P2PK-locked proofs must already carry their witnesses.
func (g *MintGateway) Swap(ctx context.Context, mint string, proofs cashu.Proofs) (cashu.Proofs, error) {
	keyset, err := g.activeKeyset(ctx, mint)
	if err != nil {
		return nil, err
	}

	outputs, secrets, rs, err := createBlindedMessages(proofs.Amount(), keyset.Id)
	if err != nil {
		return nil, fmt.Errorf("error creating blinded messages: %v", err)
	}

	swapRes, err := g.client.PostSwap(ctx, mint, nut03.PostSwapRequest{Inputs: proofs, Outputs: outputs})
	if err != nil {
		return nil, &MintError{Mint: mint, Amount: proofs.Amount(), Err: err}
	}

	newProofs, err := constructProofs(swapRes.Signatures, secrets, rs, keyset)
	if err != nil {
		return nil, fmt.Errorf("error constructing proofs: %v", err)
	}
	return newProofs, nil
}

// SplitForSend swaps the selected proofs into a set summing exactly to
// sendAmount plus change for the remainder. If lockToPubkey is non-empty
// the send set is P2PK-locked to that key.
func (g *MintGateway) SplitForSend(ctx context.Context, mint string, selected cashu.Proofs, sendAmount uint64, lockToPubkey string) (send, change cashu.Proofs, err error) {
	selectedAmount := selected.Amount()
	if selectedAmount < sendAmount {
		return nil, nil, errors.New("selected proofs do not cover send amount")
	}

	keyset, err := g.activeKeyset(ctx, mint)
	if err != nil {
		return nil, nil, err
	}

	var sendOutputs cashu.BlindedMessages
	var sendSecrets []string
	var sendRs []*secp256k1.PrivateKey
	if lockToPubkey != "" {
		sendOutputs, sendSecrets, sendRs, err = createLockedBlindedMessages(sendAmount, keyset.Id, lockToPubkey)
	} else {
		sendOutputs, sendSecrets, sendRs, err = createBlindedMessages(sendAmount, keyset.Id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("error creating blinded messages: %v", err)
	}

	changeOutputs, changeSecrets, changeRs, err := createBlindedMessages(selectedAmount-sendAmount, keyset.Id)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating blinded messages: %v", err)
	}

	sendCount := len(sendOutputs)
	outputs := append(sendOutputs, changeOutputs...)
	secrets := append(sendSecrets, changeSecrets...)
	rs := append(sendRs, changeRs...)

	swapRes, err := g.client.PostSwap(ctx, mint, nut03.PostSwapRequest{Inputs: selected, Outputs: outputs})
	if err != nil {
		return nil, nil, &MintError{Mint: mint, Amount: sendAmount, Err: err}
	}

	proofs, err := constructProofs(swapRes.Signatures, secrets, rs, keyset)
	if err != nil {
		return nil, nil, fmt.Errorf("error constructing proofs: %v", err)
	}
	if len(proofs) != len(outputs) {
		return nil, nil, errors.New("mint returned wrong number of signatures")
	}

	return proofs[:sendCount], proofs[sendCount:], nil
}

func createBlindedMessages(amount uint64, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	splitAmounts := cashu.AmountSplit(amount)
	secrets := make([]string, len(splitAmounts))
	for i := range splitAmounts {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return nil, nil, nil, err
		}
		secrets[i] = hex.EncodeToString(secretBytes)
	}
	return blindMessagesFromSecrets(splitAmounts, secrets, keysetId)
}

// createLockedBlindedMessages builds blinded messages whose secrets are
// P2PK spending conditions for the given pubkey.
func createLockedBlindedMessages(amount uint64, keysetId, pubkey string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	splitAmounts := cashu.AmountSplit(amount)
	secrets := make([]string, len(splitAmounts))
	for i := range splitAmounts {
		secret, err := nut10.NewSecretFromSpendingCondition(nut10.SpendingCondition{
			Kind: nut10.P2PK,
			Data: pubkey,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		secrets[i] = secret
	}
	return blindMessagesFromSecrets(splitAmounts, secrets, keysetId)
}

// blankOutputs builds NUT-08 blank outputs covering the fee reserve so
// the mint can return the unspent part of it as change. The amounts are
// placeholders; the mint assigns the real values when it signs.
func blankOutputs(feeReserve uint64, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	if feeReserve == 0 {
		return nil, nil, nil, nil
	}
	count := int(math.Ceil(math.Log2(float64(feeReserve))))
	if count == 0 {
		count = 1
	}

	amounts := make([]uint64, count)
	secrets := make([]string, count)
	for i := 0; i < count; i++ {
		amounts[i] = 1
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return nil, nil, nil, err
		}
		secrets[i] = hex.EncodeToString(secretBytes)
	}
	return blindMessagesFromSecrets(amounts, secrets, keysetId)
}

func blindMessagesFromSecrets(splitAmounts []uint64, secrets []string, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	splitLen := len(splitAmounts)
	blindedMessages := make(cashu.BlindedMessages, splitLen)
	rs := make([]*secp256k1.PrivateKey, splitLen)

	for i, amt := range splitAmounts {
		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, nil, err
		}

		B_, r, err := crypto.BlindMessage(secrets[i], r)
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amt, B_)
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

func constructProofs(blindedSignatures cashu.BlindedSignatures,
	secrets []string, rs []*secp256k1.PrivateKey, keyset *crypto.WalletKeyset) (cashu.Proofs, error) {

	sigsLength := len(blindedSignatures)
	if sigsLength != len(secrets) || sigsLength != len(rs) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, sigsLength)
	for i, blindedSignature := range blindedSignatures {
		C_bytes, err := hex.DecodeString(blindedSignature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		K, ok := keyset.PublicKeys[blindedSignature.Amount]
		if !ok {
			return nil, errors.New("mint signed for an amount without a key")
		}
		C := crypto.UnblindSignature(C_, rs[i], K)
		Cstr := hex.EncodeToString(C.SerializeCompressed())

		proofs[i] = cashu.Proof{
			Amount: blindedSignature.Amount,
			Secret: secrets[i],
			C:      Cstr,
			Id:     blindedSignature.Id,
		}
	}

	return proofs, nil
}

// selectProofsForAmount picks proofs from the available set until their
// sum reaches amount. Smaller denominations are taken first to keep the
// proof set compact.
func selectProofsForAmount(available cashu.Proofs, amount uint64) (cashu.Proofs, error) {
	if available.Amount() < amount {
		return nil, errors.New("not enough funds")
	}

	sorted := make(cashu.Proofs, len(available))
	copy(sorted, available)
	for i := 0; i < len(sorted)-1; i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i].Amount > sorted[j].Amount {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	selected := cashu.Proofs{}
	var total uint64
	for _, proof := range sorted {
		if total >= amount {
			break
		}
		selected = append(selected, proof)
		total += proof.Amount
	}
	return selected, nil
}
