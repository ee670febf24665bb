// Package nip61 builds and parses nutzap events (kind 9321) and the
// recipient info events (kind 10019) senders use for discovery.
package nip61

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elnosh/gonuts/cashu"
	"github.com/nbd-wtf/go-nostr"

	"github.com/wavlake/zapwallet/relays"
)

const (
	KindNutzap     = 9321
	KindNutzapInfo = 10019
)

// Reject reasons from the strict parse step. A nutzap event is either
// fully parsed or rejected; it is never partially trusted.
var (
	ErrWrongKind      = errors.New("not a nutzap event")
	ErrBadSignature   = errors.New("invalid event signature")
	ErrMissingMint    = errors.New("nutzap has no mint tag")
	ErrUntrustedMint  = errors.New("nutzap mint is not in the trusted set")
	ErrNoProofs       = errors.New("nutzap carries no parseable proofs")
	ErrNotForPubkey   = errors.New("nutzap does not tag this pubkey")
	ErrMissingP2PKKey = errors.New("info event has no p2pk pubkey")
)

// Info is the recipient-published nutzap profile: the key proofs must be
// locked to and the mints the recipient is willing to redeem from.
type Info struct {
	P2PKPubkey   string
	TrustedMints []string
	Relays       []string
}

func NewInfoEvent(signer relays.Signer, info Info) (*nostr.Event, error) {
	if info.P2PKPubkey == "" {
		return nil, ErrMissingP2PKKey
	}

	tags := nostr.Tags{{"pubkey", info.P2PKPubkey}}
	for _, mint := range info.TrustedMints {
		tags = append(tags, nostr.Tag{"mint", mint, "sat"})
	}
	for _, relay := range info.Relays {
		tags = append(tags, nostr.Tag{"relay", relay})
	}

	event := &nostr.Event{
		Kind:      KindNutzapInfo,
		CreatedAt: nostr.Now(),
		Tags:      tags,
	}
	if err := signer.Sign(event); err != nil {
		return nil, fmt.Errorf("could not sign event: %v", err)
	}
	return event, nil
}

func ParseInfoEvent(event *nostr.Event) (*Info, error) {
	if event.Kind != KindNutzapInfo {
		return nil, ErrWrongKind
	}

	info := Info{}
	for _, tag := range event.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "pubkey":
			info.P2PKPubkey = tag[1]
		case "mint":
			info.TrustedMints = append(info.TrustedMints, tag[1])
		case "relay":
			info.Relays = append(info.Relays, tag[1])
		}
	}

	if info.P2PKPubkey == "" {
		return nil, ErrMissingP2PKKey
	}
	if len(info.TrustedMints) == 0 {
		return nil, ErrMissingMint
	}
	return &info, nil
}

// Nutzap is a fully validated incoming transfer. Redeemed flips exactly
// once, monotonically false -> true, when the proofs are claimed.
type Nutzap struct {
	Id           string
	SenderPubkey string
	CreatedAt    nostr.Timestamp
	Content      string
	Proofs       cashu.Proofs
	Mint         string
	ZappedEvent  string
	Redeemed     bool
}

func (n *Nutzap) Amount() uint64 {
	return n.Proofs.Amount()
}

// NewNutzapEvent locks the given proofs into a kind-9321 event for the
// recipient. The proofs must already be P2PK-locked to the recipient's
// nutzap pubkey; this only assembles and signs the event.
func NewNutzapEvent(signer relays.Signer, proofs cashu.Proofs, mint, recipientPubkey, content, zappedEvent string) (*nostr.Event, error) {
	if len(proofs) == 0 {
		return nil, ErrNoProofs
	}

	tags := nostr.Tags{}
	for _, proof := range proofs {
		jsonProof, err := json.Marshal(proof)
		if err != nil {
			return nil, fmt.Errorf("invalid proof: %v", err)
		}
		tags = append(tags, nostr.Tag{"proof", string(jsonProof)})
	}
	tags = append(tags, nostr.Tag{"u", mint})
	tags = append(tags, nostr.Tag{"p", recipientPubkey})
	if zappedEvent != "" {
		tags = append(tags, nostr.Tag{"e", zappedEvent})
	}

	event := &nostr.Event{
		Kind:      KindNutzap,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags:      tags,
	}
	if err := signer.Sign(event); err != nil {
		return nil, fmt.Errorf("could not sign event: %v", err)
	}
	return event, nil
}

// ParseNutzap validates an incoming event against the recipient pubkey
// and its current trusted mints. Any reject reason drops the whole event.
func ParseNutzap(event *nostr.Event, recipientPubkey string, trustedMints []string) (*Nutzap, error) {
	if event.Kind != KindNutzap {
		return nil, ErrWrongKind
	}
	if ok, err := event.CheckSignature(); !ok || err != nil {
		return nil, ErrBadSignature
	}

	nutzap := Nutzap{
		Id:           event.ID,
		SenderPubkey: event.PubKey,
		CreatedAt:    event.CreatedAt,
		Content:      event.Content,
	}

	taggedRecipient := false
	for _, tag := range event.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "u":
			nutzap.Mint = tag[1]
		case "p":
			if tag[1] == recipientPubkey {
				taggedRecipient = true
			}
		case "e":
			nutzap.ZappedEvent = tag[1]
		case "proof":
			var proof cashu.Proof
			if err := json.Unmarshal([]byte(tag[1]), &proof); err != nil {
				continue
			}
			if proof.Secret == "" || proof.Amount == 0 {
				continue
			}
			nutzap.Proofs = append(nutzap.Proofs, proof)
		}
	}

	if !taggedRecipient {
		return nil, ErrNotForPubkey
	}
	if nutzap.Mint == "" {
		return nil, ErrMissingMint
	}
	// never trust an untrusted mint, even if the event is otherwise well-formed
	trusted := false
	for _, mint := range trustedMints {
		if mint == nutzap.Mint {
			trusted = true
			break
		}
	}
	if !trusted {
		return nil, ErrUntrustedMint
	}
	if len(nutzap.Proofs) == 0 {
		return nil, ErrNoProofs
	}

	return &nutzap, nil
}
