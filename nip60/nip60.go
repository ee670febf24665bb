// Package nip60 builds and parses the encrypted wallet events defined by
// NIP-60: kind 7375 proof backups and kind 7376 spending history. Event
// content is NIP-44 encrypted to the wallet's own pubkey.
package nip60

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elnosh/gonuts/cashu"
	"github.com/nbd-wtf/go-nostr"

	"github.com/wavlake/zapwallet/relays"
)

const (
	KindTokenEvent   = 7375
	KindHistoryEvent = 7376
)

var (
	ErrWrongKind      = errors.New("unexpected event kind")
	ErrNotOwnEvent    = errors.New("event not authored by this wallet")
	ErrInvalidContent = errors.New("invalid event content")
)

// TokenContent is the plaintext payload of a kind-7375 backup event: the
// full unspent proof set for one mint. Del lists the ids of backup events
// this one supersedes.
type TokenContent struct {
	Mint   string       `json:"mint"`
	Proofs cashu.Proofs `json:"proofs"`
	Del    []string     `json:"del,omitempty"`
}

// HistoryContent is the plaintext payload of a kind-7376 history event.
// Ref is the quote or nutzap id the entry originated from.
type HistoryContent struct {
	Direction      string   `json:"direction"`
	Amount         uint64   `json:"amount"`
	Ref            string   `json:"ref,omitempty"`
	CreatedTokens  []string `json:"createdTokens,omitempty"`
	RedeemedTokens []string `json:"redeemedTokens,omitempty"`
}

func NewTokenEvent(signer relays.Signer, content TokenContent) (*nostr.Event, error) {
	return newEncryptedEvent(signer, KindTokenEvent, content)
}

func NewHistoryEvent(signer relays.Signer, content HistoryContent) (*nostr.Event, error) {
	return newEncryptedEvent(signer, KindHistoryEvent, content)
}

func newEncryptedEvent(signer relays.Signer, kind int, payload any) (*nostr.Event, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %v", err)
	}

	ciphertext, err := signer.Encrypt(signer.Pubkey(), string(plaintext))
	if err != nil {
		return nil, fmt.Errorf("could not encrypt content: %v", err)
	}

	event := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Now(),
		Content:   ciphertext,
		Tags:      nostr.Tags{},
	}
	if err := signer.Sign(event); err != nil {
		return nil, fmt.Errorf("could not sign event: %v", err)
	}

	return event, nil
}

func ParseTokenEvent(signer relays.Signer, event *nostr.Event) (*TokenContent, error) {
	var content TokenContent
	if err := decryptInto(signer, event, KindTokenEvent, &content); err != nil {
		return nil, err
	}
	if content.Mint == "" || len(content.Proofs) == 0 {
		return nil, ErrInvalidContent
	}
	return &content, nil
}

func ParseHistoryEvent(signer relays.Signer, event *nostr.Event) (*HistoryContent, error) {
	var content HistoryContent
	if err := decryptInto(signer, event, KindHistoryEvent, &content); err != nil {
		return nil, err
	}
	if content.Direction != "in" && content.Direction != "out" {
		return nil, ErrInvalidContent
	}
	return &content, nil
}

func decryptInto(signer relays.Signer, event *nostr.Event, kind int, v any) error {
	if event.Kind != kind {
		return ErrWrongKind
	}
	if event.PubKey != signer.Pubkey() {
		return ErrNotOwnEvent
	}

	plaintext, err := signer.Decrypt(event.PubKey, event.Content)
	if err != nil {
		return fmt.Errorf("could not decrypt content: %v", err)
	}
	if err := json.Unmarshal([]byte(plaintext), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return nil
}
