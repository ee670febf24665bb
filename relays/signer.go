package relays

import (
	"crypto/rand"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// Signer is the identity capability handed to the wallet session. The
// wallet never sees private key material; it only asks for signatures
// and NIP-44 payload encryption.
type Signer interface {
	Pubkey() string
	Sign(event *nostr.Event) error
	// Encrypt/Decrypt operate on NIP-44 payloads for the given
	// counterparty pubkey. Encrypting to Pubkey() encrypts to self.
	Encrypt(peerPubkey, plaintext string) (string, error)
	Decrypt(peerPubkey, ciphertext string) (string, error)
}

// KeySigner signs with a local secp256k1 key.
type KeySigner struct {
	privateKey string
	publicKey  string
}

func NewKeySigner(privateKey string) (*KeySigner, error) {
	pubkey, err := nostr.GetPublicKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %v", err)
	}
	return &KeySigner{privateKey: privateKey, publicKey: pubkey}, nil
}

func (s *KeySigner) Pubkey() string {
	return s.publicKey
}

func (s *KeySigner) Sign(event *nostr.Event) error {
	return event.Sign(s.privateKey)
}

func (s *KeySigner) Encrypt(peerPubkey, plaintext string) (string, error) {
	conversationKey, err := nip44.GenerateConversationKey(peerPubkey, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("could not derive conversation key: %v", err)
	}
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return nip44.Encrypt(plaintext, conversationKey, nip44.WithCustomNonce(nonce))
}

func (s *KeySigner) Decrypt(peerPubkey, ciphertext string) (string, error) {
	conversationKey, err := nip44.GenerateConversationKey(peerPubkey, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("could not derive conversation key: %v", err)
	}
	return nip44.Decrypt(ciphertext, conversationKey)
}
