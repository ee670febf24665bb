package wallet

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut01"
	"github.com/elnosh/gonuts/cashu/nuts/nut02"
	"github.com/elnosh/gonuts/cashu/nuts/nut03"
	"github.com/elnosh/gonuts/cashu/nuts/nut04"
	"github.com/elnosh/gonuts/cashu/nuts/nut05"
	"github.com/elnosh/gonuts/crypto"
)

// lightning invoice example from the BOLT11 spec, decodable but never
// payable. The fake mint ignores the invoice entirely.
const testInvoice = "lnbc2500u1pvjluezpp5qqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqypqdq5xysxxatsyp3k7enxv4jsxqzpuaztrnwngzn3kdzw5hydlzf03qdgm2hdq27cqv3agm2awhz5se903vruatfhq77w3ls4evs3ch9zw97j25emudupq63nyw24cg27h2rspfj9srp"

// fakeMint is an in-process mint good enough to exercise the wallet's
// quote, mint, swap and melt flows. It signs with a real keyset so the
// wallet's unblinding and keyset id verification hold, but it performs
// no lightning payments: tests flip quote states by hand.
type fakeMint struct {
	keys     map[uint64]*secp256k1.PrivateKey
	keysetId string
	server   *httptest.Server

	mu         sync.Mutex
	mintQuotes map[string]*fakeMintQuote
	meltQuotes map[string]*fakeMeltQuote
	spent      map[string]bool
	quoteSeq   int

	meltAmount   uint64
	meltOutcome  string // "paid", "unpaid", "hangup" or "hangup-unpaid"
	meltAttempts int

	// fee the melt quote reserves and the fee the "payment" actually
	// costs; the difference comes back as change on blank outputs
	feeReserve uint64
	routingFee uint64

	// when set, quote state lookups fail with an error response
	quoteStateBroken bool
}

type fakeMintQuote struct {
	amount uint64
	state  nut04.State
}

type fakeMeltQuote struct {
	amount uint64
	state  nut05.State
}

func newFakeMint(t *testing.T) *fakeMint {
	t.Helper()

	keys := make(map[uint64]*secp256k1.PrivateKey)
	pubkeys := make(map[uint64]*secp256k1.PublicKey)
	for amount := uint64(1); amount <= 4096; amount *= 2 {
		key, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			t.Fatalf("error generating keyset: %v", err)
		}
		keys[amount] = key
		pubkeys[amount] = key.PubKey()
	}

	mint := &fakeMint{
		keys:        keys,
		keysetId:    crypto.DeriveKeysetId(pubkeys),
		mintQuotes:  make(map[string]*fakeMintQuote),
		meltQuotes:  make(map[string]*fakeMeltQuote),
		spent:       make(map[string]bool),
		meltAmount:  2100,
		meltOutcome: "paid",
	}
	mint.server = httptest.NewServer(http.HandlerFunc(mint.handler))
	t.Cleanup(mint.server.Close)
	return mint
}

func (m *fakeMint) url() string {
	return m.server.URL
}

// payInvoice marks a mint quote as paid, simulating the lightning
// payment landing.
func (m *fakeMint) payInvoice(quoteId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if quote, ok := m.mintQuotes[quoteId]; ok && quote.state == nut04.Unpaid {
		quote.state = nut04.Paid
	}
}

func (m *fakeMint) setMeltOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meltOutcome = outcome
}

func (m *fakeMint) setMeltFees(feeReserve, routingFee uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeReserve = feeReserve
	m.routingFee = routingFee
}

func (m *fakeMint) setQuoteStateBroken(broken bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quoteStateBroken = broken
}

func (m *fakeMint) handler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/v1/keys":
		m.serveKeys(w)
	case path == "/v1/keysets":
		m.serveKeysets(w)
	case path == "/v1/mint/quote/bolt11" && r.Method == http.MethodPost:
		m.serveMintQuote(w, r)
	case strings.HasPrefix(path, "/v1/mint/quote/bolt11/"):
		m.serveMintQuoteState(w, strings.TrimPrefix(path, "/v1/mint/quote/bolt11/"))
	case path == "/v1/mint/bolt11":
		m.serveMint(w, r)
	case path == "/v1/swap":
		m.serveSwap(w, r)
	case path == "/v1/melt/quote/bolt11" && r.Method == http.MethodPost:
		m.serveMeltQuote(w, r)
	case strings.HasPrefix(path, "/v1/melt/quote/bolt11/"):
		m.serveMeltQuoteState(w, strings.TrimPrefix(path, "/v1/melt/quote/bolt11/"))
	case path == "/v1/melt/bolt11":
		m.serveMelt(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (m *fakeMint) serveKeys(w http.ResponseWriter) {
	keysMap := make(nut01.KeysMap)
	for amount, key := range m.keys {
		keysMap[amount] = hex.EncodeToString(key.PubKey().SerializeCompressed())
	}
	writeJSON(w, nut01.GetKeysResponse{Keysets: []nut01.Keyset{
		{Id: m.keysetId, Unit: cashu.Sat.String(), Keys: keysMap},
	}})
}

func (m *fakeMint) serveKeysets(w http.ResponseWriter) {
	writeJSON(w, nut02.GetKeysetsResponse{Keysets: []nut02.Keyset{
		{Id: m.keysetId, Unit: cashu.Sat.String(), Active: true},
	}})
}

func (m *fakeMint) serveMintQuote(w http.ResponseWriter, r *http.Request) {
	var request nut04.PostMintQuoteBolt11Request
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, "invalid request")
		return
	}

	m.mu.Lock()
	m.quoteSeq++
	quoteId := fmt.Sprintf("mintquote-%d", m.quoteSeq)
	m.mintQuotes[quoteId] = &fakeMintQuote{amount: request.Amount, state: nut04.Unpaid}
	m.mu.Unlock()

	writeJSON(w, &nut04.PostMintQuoteBolt11Response{
		Quote:   quoteId,
		Request: testInvoice,
		State:   nut04.Unpaid,
	})
}

func (m *fakeMint) serveMintQuoteState(w http.ResponseWriter, quoteId string) {
	m.mu.Lock()
	quote, ok := m.mintQuotes[quoteId]
	broken := m.quoteStateBroken
	m.mu.Unlock()
	if broken {
		writeError(w, "mint unavailable")
		return
	}
	if !ok {
		writeError(w, "quote not found")
		return
	}
	writeJSON(w, &nut04.PostMintQuoteBolt11Response{
		Quote:   quoteId,
		Request: testInvoice,
		State:   quote.state,
	})
}

func (m *fakeMint) serveMint(w http.ResponseWriter, r *http.Request) {
	var request nut04.PostMintBolt11Request
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, "invalid request")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	quote, ok := m.mintQuotes[request.Quote]
	if !ok || quote.state != nut04.Paid {
		writeError(w, "quote not paid")
		return
	}
	if request.Outputs.Amount() != quote.amount {
		writeError(w, "amounts do not match")
		return
	}

	signatures, err := m.signOutputs(request.Outputs)
	if err != nil {
		writeError(w, err.Error())
		return
	}
	quote.state = nut04.Issued
	writeJSON(w, &nut04.PostMintBolt11Response{Signatures: signatures})
}

func (m *fakeMint) serveSwap(w http.ResponseWriter, r *http.Request) {
	var request nut03.PostSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, "invalid request")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if request.Inputs.Amount() != request.Outputs.Amount() {
		writeError(w, "amounts do not match")
		return
	}
	if err := m.spendInputs(request.Inputs); err != nil {
		writeError(w, err.Error())
		return
	}

	signatures, err := m.signOutputs(request.Outputs)
	if err != nil {
		writeError(w, err.Error())
		return
	}
	writeJSON(w, nut03.PostSwapResponse{Signatures: signatures})
}

func (m *fakeMint) serveMeltQuote(w http.ResponseWriter, r *http.Request) {
	var request nut05.PostMeltQuoteBolt11Request
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, "invalid request")
		return
	}

	m.mu.Lock()
	m.quoteSeq++
	quoteId := fmt.Sprintf("meltquote-%d", m.quoteSeq)
	amount := m.meltAmount
	feeReserve := m.feeReserve
	m.meltQuotes[quoteId] = &fakeMeltQuote{amount: amount, state: nut05.Unpaid}
	m.mu.Unlock()

	writeJSON(w, &nut05.PostMeltQuoteBolt11Response{
		Quote:      quoteId,
		Amount:     amount,
		FeeReserve: feeReserve,
		State:      nut05.Unpaid,
	})
}

func (m *fakeMint) serveMeltQuoteState(w http.ResponseWriter, quoteId string) {
	m.mu.Lock()
	quote, ok := m.meltQuotes[quoteId]
	broken := m.quoteStateBroken
	m.mu.Unlock()
	if broken {
		writeError(w, "mint unavailable")
		return
	}
	if !ok {
		writeError(w, "quote not found")
		return
	}
	writeJSON(w, &nut05.PostMeltQuoteBolt11Response{
		Quote:  quoteId,
		Amount: quote.amount,
		State:  quote.state,
	})
}

func (m *fakeMint) serveMelt(w http.ResponseWriter, r *http.Request) {
	var request nut05.PostMeltBolt11Request
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, "invalid request")
		return
	}

	m.mu.Lock()
	m.meltAttempts++
	outcome := m.meltOutcome
	quote, ok := m.meltQuotes[request.Quote]
	if !ok {
		m.mu.Unlock()
		writeError(w, "quote not found")
		return
	}

	switch outcome {
	case "hangup":
		// the payment goes through but the response never arrives
		quote.state = nut05.Paid
		for _, proof := range request.Inputs {
			m.spent[proof.Secret] = true
		}
		m.mu.Unlock()
		hangup(w)
		return
	case "hangup-unpaid":
		// connection dies before the mint attempts the payment
		m.mu.Unlock()
		hangup(w)
		return
	case "unpaid":
		m.mu.Unlock()
		writeJSON(w, &nut05.PostMeltQuoteBolt11Response{
			Quote:  request.Quote,
			Amount: quote.amount,
			State:  nut05.Unpaid,
		})
		return
	default:
		quote.state = nut05.Paid
		for _, proof := range request.Inputs {
			m.spent[proof.Secret] = true
		}
		feeReserve := m.feeReserve
		routingFee := m.routingFee
		m.mu.Unlock()

		// surplus fee reserve comes back signed onto the blank outputs
		var change cashu.BlindedSignatures
		if surplus := feeReserve - routingFee; feeReserve > routingFee && len(request.Outputs) > 0 {
			amounts := cashu.AmountSplit(surplus)
			if len(amounts) > len(request.Outputs) {
				amounts = amounts[:len(request.Outputs)]
			}
			outputs := make(cashu.BlindedMessages, len(amounts))
			for i, amount := range amounts {
				outputs[i] = request.Outputs[i]
				outputs[i].Amount = amount
			}
			signed, err := m.signOutputs(outputs)
			if err != nil {
				writeError(w, err.Error())
				return
			}
			change = signed
		}

		writeJSON(w, &nut05.PostMeltQuoteBolt11Response{
			Quote:      request.Quote,
			Amount:     quote.amount,
			FeeReserve: feeReserve,
			State:      nut05.Paid,
			Preimage:   "fakepreimage",
			Change:     change,
		})
	}
}

func (m *fakeMint) spendInputs(inputs cashu.Proofs) error {
	for _, proof := range inputs {
		if m.spent[proof.Secret] {
			return fmt.Errorf("proof already spent")
		}
	}
	for _, proof := range inputs {
		m.spent[proof.Secret] = true
	}
	return nil
}

func (m *fakeMint) signOutputs(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		key, ok := m.keys[output.Amount]
		if !ok {
			return nil, fmt.Errorf("no key for amount %v", output.Amount)
		}
		B_bytes, err := hex.DecodeString(output.B_)
		if err != nil {
			return nil, fmt.Errorf("invalid blinded message")
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid blinded message")
		}
		C_ := crypto.SignBlindedMessage(B_, key)
		signatures[i] = cashu.BlindedSignature{
			Amount: output.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     m.keysetId,
		}
	}
	return signatures, nil
}

func hangup(w http.ResponseWriter) {
	if hijacker, ok := w.(http.Hijacker); ok {
		conn, _, err := hijacker.Hijack()
		if err == nil {
			conn.Close()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(cashu.Error{Detail: detail, Code: 11001})
}
