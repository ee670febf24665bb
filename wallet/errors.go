package wallet

import (
	"errors"
	"fmt"
)

var (
	ErrMintUnavailable     = errors.New("mint unavailable")
	ErrInvalidRecipient    = errors.New("invalid recipient")
	ErrMintIncompatible    = errors.New("no shared trusted mint with recipient")
	ErrRecipientInfoAbsent = errors.New("recipient has not published nutzap info")
	ErrMeltOutcomeUnknown  = errors.New("melt payment outcome unknown, needs reconciliation against the mint")
	ErrReceiveAbandoned    = errors.New("receive abandoned")
	ErrQuoteNotFound       = errors.New("quote not found")
)

// InsufficientBalanceError is returned before any network side effect
// when the proofs held for a mint cannot cover amount plus fee reserve.
type InsufficientBalanceError struct {
	Mint      string
	Available uint64
	Needed    uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance in mint '%v': have %v sats, need %v sats",
		e.Mint, e.Available, e.Needed)
}

// StaleProofError means an update tried to remove a proof that is not in
// the ledger for that mint. It indicates a lost race or corrupted local
// state and is fatal for the operation that hit it. The ledger is left
// untouched.
type StaleProofError struct {
	Mint   string
	Secret string
}

func (e *StaleProofError) Error() string {
	return fmt.Sprintf("proof with secret '%v' not present in ledger for mint '%v'", e.Secret, e.Mint)
}

// MintError wraps a protocol-level failure reported by a mint,
// keeping the mint url and amount for user-facing context.
type MintError struct {
	Mint   string
	Amount uint64
	Err    error
}

func (e *MintError) Error() string {
	return fmt.Sprintf("mint '%v' failed for amount %v: %v", e.Mint, e.Amount, e.Err)
}

func (e *MintError) Unwrap() error { return e.Err }
