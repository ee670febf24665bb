package storage

import (
	"github.com/elnosh/gonuts/cashu"
)

type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxAbandoned TxStatus = "abandoned"
	// TxUnknown marks a melt whose network call failed after dispatch.
	// Neither success nor failure is assumed until reconciled against the mint.
	TxUnknown TxStatus = "unknown"
)

type QuoteState string

const (
	QuoteUnpaid    QuoteState = "unpaid"
	QuotePaid      QuoteState = "paid"
	QuoteIssued    QuoteState = "issued"
	QuoteAbandoned QuoteState = "abandoned"
)

// DBProof is a proof at rest, tied to the mint that issued it and to the
// backup event that introduced it.
type DBProof struct {
	Mint    string `json:"mint"`
	Amount  uint64 `json:"amount"`
	Id      string `json:"id"`
	Secret  string `json:"secret"`
	C       string `json:"C"`
	Witness string `json:"witness,omitempty"`
	// id of the kind-7375 backup event that currently records this proof
	EventId string `json:"eventId,omitempty"`
}

func (p DBProof) ToCashu() cashu.Proof {
	return cashu.Proof{
		Amount:  p.Amount,
		Id:      p.Id,
		Secret:  p.Secret,
		C:       p.C,
		Witness: p.Witness,
	}
}

func FromCashu(proof cashu.Proof, mint, eventId string) DBProof {
	return DBProof{
		Mint:    mint,
		Amount:  proof.Amount,
		Id:      proof.Id,
		Secret:  proof.Secret,
		C:       proof.C,
		Witness: proof.Witness,
		EventId: eventId,
	}
}

// PendingTx is the local optimistic placeholder for an in-flight
// operation. It is removed when the authoritative history record for the
// same operation appears, or kept (flagged) when abandoned by the user.
type PendingTx struct {
	Id             string    `json:"id"`
	Direction      Direction `json:"direction"`
	Amount         uint64    `json:"amount"`
	Timestamp      int64     `json:"timestamp"`
	Status         TxStatus  `json:"status"`
	Mint           string    `json:"mint"`
	QuoteId        string    `json:"quoteId,omitempty"`
	PaymentRequest string    `json:"paymentRequest,omitempty"`
}

// HistoryRecord is the authoritative, append-only record of a completed
// ledger mutation. Ref carries the originating quote or nutzap id so the
// matching pending tx can be evicted.
type HistoryRecord struct {
	Id             string    `json:"id"`
	Direction      Direction `json:"direction"`
	Amount         uint64    `json:"amount"`
	Timestamp      int64     `json:"timestamp"`
	Ref            string    `json:"ref,omitempty"`
	CreatedTokens  []string  `json:"createdTokens,omitempty"`
	RedeemedTokens []string  `json:"redeemedTokens,omitempty"`
}

type MintQuote struct {
	QuoteId        string     `json:"quoteId"`
	Mint           string     `json:"mint"`
	Method         string     `json:"method"`
	Amount         uint64     `json:"amount"`
	PaymentRequest string     `json:"paymentRequest"`
	State          QuoteState `json:"state"`
	Expiry         int64      `json:"expiry"`
}

type MeltQuote struct {
	QuoteId        string     `json:"quoteId"`
	Mint           string     `json:"mint"`
	Method         string     `json:"method"`
	Amount         uint64     `json:"amount"`
	FeeReserve     uint64     `json:"feeReserve"`
	PaymentRequest string     `json:"paymentRequest"`
	State          QuoteState `json:"state"`
	Expiry         int64      `json:"expiry"`
	Preimage       string     `json:"preimage,omitempty"`
}

// NutzapRecord is a received nutzap. Redeemed flips false -> true exactly
// once; the raw proofs are kept so an unredeemed nutzap can be claimed
// manually later.
type NutzapRecord struct {
	Id           string       `json:"id"`
	SenderPubkey string       `json:"senderPubkey"`
	Amount       uint64       `json:"amount"`
	Mint         string       `json:"mint"`
	Content      string       `json:"content,omitempty"`
	ZappedEvent  string       `json:"zappedEvent,omitempty"`
	CreatedAt    int64        `json:"createdAt"`
	Proofs       cashu.Proofs `json:"proofs"`
	Redeemed     bool         `json:"redeemed"`
	RedeemedAt   int64        `json:"redeemedAt,omitempty"`
}

type WalletDB interface {
	SaveMnemonic(string) error
	GetMnemonic() string

	SaveProofs([]DBProof) error
	GetProofsByMint(mint string) []DBProof
	GetProofs() []DBProof
	DeleteProof(secret string) error

	// proofs consumed by an in-flight melt, keyed by quote id
	AddPendingProofsByQuoteId([]DBProof, string) error
	GetPendingProofsByQuoteId(string) []DBProof
	DeletePendingProofsByQuoteId(string) error

	SavePendingTx(PendingTx) error
	GetPendingTxs() []PendingTx
	DeletePendingTx(id string) error

	SaveHistoryRecord(HistoryRecord) error
	GetHistoryRecords() []HistoryRecord

	SaveMintQuote(MintQuote) error
	GetMintQuoteById(id string) *MintQuote
	GetMintQuotes() []MintQuote

	SaveMeltQuote(MeltQuote) error
	GetMeltQuoteById(id string) *MeltQuote
	GetMeltQuotes() []MeltQuote

	SaveNutzap(NutzapRecord) error
	GetNutzapById(id string) *NutzapRecord
	GetNutzaps() []NutzapRecord
	IsNutzapRedeemed(id string) bool
	LatestRedemptionTime() int64

	Close() error
}
