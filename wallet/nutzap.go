package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/gonuts/cashu/nuts/nut11"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/wavlake/zapwallet/nip61"
	"github.com/wavlake/zapwallet/relays"
	"github.com/wavlake/zapwallet/wallet/storage"
)

const nutzapPublishAttempts = 5

// NutzapProtocol sends and receives nutzaps: P2PK-locked proofs carried
// inside kind-9321 events. Outgoing zaps are locked to the recipient's
// published nutzap key; incoming zaps are discovered by polling the
// relays and redeemed by swapping the locked proofs at the mint.
type NutzapProtocol struct {
	gateway *MintGateway
	ledger  *ProofLedger
	history *HistoryReconciler
	db      storage.WalletDB
	pool    *relays.Pool
	signer  relays.Signer
	logger  *slog.Logger

	// key incoming proofs are locked to, separate from the nostr identity
	p2pkKey      *btcec.PrivateKey
	trustedMints []string
	activeMint   string

	sessionCtx   context.Context
	pollInterval time.Duration

	mu        sync.Mutex
	processed map[string]bool
	since     nostr.Timestamp
}

func NewNutzapProtocol(sessionCtx context.Context, gateway *MintGateway, ledger *ProofLedger,
	history *HistoryReconciler, db storage.WalletDB, pool *relays.Pool, signer relays.Signer,
	p2pkKey *btcec.PrivateKey, trustedMints []string, activeMint string, logger *slog.Logger) *NutzapProtocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &NutzapProtocol{
		gateway:      gateway,
		ledger:       ledger,
		history:      history,
		db:           db,
		pool:         pool,
		signer:       signer,
		logger:       logger,
		p2pkKey:      p2pkKey,
		trustedMints: trustedMints,
		activeMint:   activeMint,
		sessionCtx:   sessionCtx,
		pollInterval: defaultPollInterval,
		processed:    make(map[string]bool),
		since:        nostr.Timestamp(db.LatestRedemptionTime()),
	}
}

// P2PKPubkey returns the compressed hex pubkey incoming nutzaps must be
// locked to.
func (n *NutzapProtocol) P2PKPubkey() string {
	return hex.EncodeToString(n.p2pkKey.PubKey().SerializeCompressed())
}

// PublishNutzapInfo publishes (or refreshes) the kind-10019 event that
// tells senders which key to lock to, which mints this wallet will
// redeem from, and where to post the zap.
func (n *NutzapProtocol) PublishNutzapInfo(ctx context.Context) error {
	event, err := nip61.NewInfoEvent(n.signer, nip61.Info{
		P2PKPubkey:   n.P2PKPubkey(),
		TrustedMints: n.trustedMints,
		Relays:       n.pool.URLs(),
	})
	if err != nil {
		return fmt.Errorf("could not build info event: %v", err)
	}
	return n.pool.Publish(ctx, *event)
}

// Send resolves the recipient, picks a mint both sides can use, locks
// proofs to the recipient's nutzap key and publishes the zap event. It
// returns the id of the published event.
func (n *NutzapProtocol) Send(ctx context.Context, recipient string, amount uint64,
	comment, zappedEvent string) (string, error) {

	recipientPubkey, err := resolveRecipient(recipient)
	if err != nil {
		return "", err
	}

	info, err := n.fetchRecipientInfo(ctx, recipientPubkey)
	if err != nil {
		return "", err
	}

	mint, err := pickCompatibleMint(n.ledger.Mints(), n.activeMint, info.TrustedMints)
	if err != nil {
		return "", err
	}

	available := n.ledger.Balance(mint)
	if available < amount {
		return "", &InsufficientBalanceError{Mint: mint, Available: available, Needed: amount}
	}

	selected, err := selectProofsForAmount(n.ledger.GetMintProofs(mint), amount)
	if err != nil {
		return "", err
	}

	// take the inputs out of the ledger before the swap so a failed or
	// interrupted split cannot leave invalidated proofs spendable
	if err := n.ledger.UpdateProofs(ctx, mint, nil, selected); err != nil {
		return "", err
	}

	send, change, err := n.gateway.SplitForSend(ctx, mint, selected, amount, lockingPubkey(info.P2PKPubkey))
	if err != nil {
		if rerr := n.ledger.UpdateProofs(ctx, mint, selected, nil); rerr != nil {
			n.logger.Error("could not restore proofs after failed split", "mint", mint, "error", rerr)
		}
		return "", err
	}
	if err := n.ledger.UpdateProofs(ctx, mint, change, nil); err != nil {
		n.logger.Error("could not credit change proofs", "mint", mint, "error", err)
	}

	event, err := nip61.NewNutzapEvent(n.signer, send, mint, recipientPubkey, comment, zappedEvent)
	if err != nil {
		return "", fmt.Errorf("could not build nutzap event: %v", err)
	}

	// the recipient's relay hints get the event too, so they can find it
	// even if they don't share our relay set
	if err := n.pool.Publish(ctx, *event, info.Relays...); err != nil {
		n.logger.Warn("nutzap publish failed, retrying in background", "event", event.ID)
		go func() {
			if err := n.pool.PublishWithRetry(n.sessionCtx, *event, nutzapPublishAttempts, info.Relays...); err != nil {
				n.logger.Error("nutzap publish gave up", "event", event.ID, "error", err)
			}
		}()
	}

	if err := n.history.Record(ctx, storage.HistoryRecord{
		Direction: storage.Out,
		Amount:    amount,
		Timestamp: time.Now().Unix(),
		Ref:       event.ID,
	}); err != nil {
		n.logger.Error("could not record history entry", "nutzap", event.ID, "error", err)
	}

	return event.ID, nil
}

func (n *NutzapProtocol) fetchRecipientInfo(ctx context.Context, pubkey string) (*nip61.Info, error) {
	events := n.pool.Query(ctx, nostr.Filter{
		Kinds:   []int{nip61.KindNutzapInfo},
		Authors: []string{pubkey},
		Limit:   1,
	})

	var latest *nostr.Event
	for _, event := range events {
		if latest == nil || event.CreatedAt > latest.CreatedAt {
			latest = event
		}
	}
	if latest == nil {
		return nil, ErrRecipientInfoAbsent
	}

	info, err := nip61.ParseInfoEvent(latest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecipientInfoAbsent, err)
	}
	return info, nil
}

// Start launches the incoming-zap poll loop for the lifetime of the
// session. Session teardown stops it through the context.
func (n *NutzapProtocol) Start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(n.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-n.sessionCtx.Done():
				return
			case <-ticker.C:
				n.Scan(n.sessionCtx)
			}
		}
	}()
}

// Scan queries the relays once for nutzaps addressed to this wallet and
// redeems any new ones. Events already processed this session, already
// redeemed, or rejected by validation are skipped.
func (n *NutzapProtocol) Scan(ctx context.Context) int {
	n.mu.Lock()
	since := n.since
	n.mu.Unlock()

	filter := nostr.Filter{
		Kinds: []int{nip61.KindNutzap},
		Tags: nostr.TagMap{
			"p": []string{n.signer.Pubkey()},
			"u": n.trustedMints,
		},
	}
	if since > 0 {
		filter.Since = &since
	}

	redeemed := 0
	for _, event := range n.pool.Query(ctx, filter) {
		n.mu.Lock()
		seen := n.processed[event.ID]
		n.processed[event.ID] = true
		if event.CreatedAt > n.since {
			n.since = event.CreatedAt
		}
		n.mu.Unlock()
		if seen || n.db.GetNutzapById(event.ID) != nil {
			continue
		}

		nutzap, err := nip61.ParseNutzap(event, n.signer.Pubkey(), n.trustedMints)
		if err != nil {
			n.logger.Debug("rejected nutzap event", "event", event.ID, "error", err)
			continue
		}

		record := storage.NutzapRecord{
			Id:           nutzap.Id,
			SenderPubkey: nutzap.SenderPubkey,
			Amount:       nutzap.Amount(),
			Mint:         nutzap.Mint,
			Content:      nutzap.Content,
			ZappedEvent:  nutzap.ZappedEvent,
			CreatedAt:    int64(nutzap.CreatedAt),
			Proofs:       nutzap.Proofs,
		}
		if err := n.db.SaveNutzap(record); err != nil {
			n.logger.Error("could not save nutzap", "event", event.ID, "error", err)
			continue
		}

		if err := n.Redeem(ctx, nutzap.Id); err != nil {
			// kept unredeemed, a later Redeem call can still claim it
			n.logger.Error("could not redeem nutzap", "event", event.ID, "error", err)
			continue
		}
		redeemed++
	}
	return redeemed
}

// Redeem claims the locked proofs of a received nutzap: it signs the
// P2PK witnesses, swaps them at the mint for unlocked proofs and adds
// those to the ledger. Redeeming an already-redeemed nutzap is a no-op.
func (n *NutzapProtocol) Redeem(ctx context.Context, id string) error {
	record := n.db.GetNutzapById(id)
	if record == nil {
		return fmt.Errorf("unknown nutzap '%v'", id)
	}
	if record.Redeemed || n.db.IsNutzapRedeemed(id) {
		return nil
	}

	signed, err := nut11.AddSignatureToInputs(record.Proofs, n.p2pkKey)
	if err != nil {
		return fmt.Errorf("could not sign locked proofs: %v", err)
	}

	newProofs, err := n.gateway.Swap(ctx, record.Mint, signed)
	if err != nil {
		return err
	}
	if err := n.ledger.UpdateProofs(ctx, record.Mint, newProofs, nil); err != nil {
		return err
	}

	record.Redeemed = true
	record.RedeemedAt = time.Now().Unix()
	if err := n.db.SaveNutzap(*record); err != nil {
		return fmt.Errorf("could not mark nutzap redeemed: %v", err)
	}

	if err := n.history.Record(ctx, storage.HistoryRecord{
		Direction:      storage.In,
		Amount:         record.Amount,
		Timestamp:      record.RedeemedAt,
		Ref:            id,
		RedeemedTokens: []string{id},
	}); err != nil {
		n.logger.Error("could not record history entry", "nutzap", id, "error", err)
	}
	return nil
}

// Nutzaps returns every received nutzap, redeemed or not.
func (n *NutzapProtocol) Nutzaps() []storage.NutzapRecord {
	return n.db.GetNutzaps()
}

// resolveRecipient accepts a 64-char hex pubkey or an npub and returns
// the hex pubkey.
func resolveRecipient(recipient string) (string, error) {
	if strings.HasPrefix(recipient, "npub") {
		prefix, value, err := nip19.Decode(recipient)
		if err != nil || prefix != "npub" {
			return "", fmt.Errorf("%w: '%v'", ErrInvalidRecipient, recipient)
		}
		return value.(string), nil
	}

	if len(recipient) != 64 {
		return "", fmt.Errorf("%w: '%v'", ErrInvalidRecipient, recipient)
	}
	if _, err := hex.DecodeString(recipient); err != nil {
		return "", fmt.Errorf("%w: '%v'", ErrInvalidRecipient, recipient)
	}
	return strings.ToLower(recipient), nil
}

// pickCompatibleMint intersects the mints this wallet holds funds in
// with the mints the recipient redeems from. The wallet's active mint
// wins if it is in the intersection, otherwise the recipient's
// preference order decides.
func pickCompatibleMint(ourMints []string, activeMint string, recipientMints []string) (string, error) {
	ours := make(map[string]string, len(ourMints))
	for _, mint := range ourMints {
		ours[normalizeMintURL(mint)] = mint
	}

	for _, mint := range recipientMints {
		if normalizeMintURL(mint) == normalizeMintURL(activeMint) {
			if _, ok := ours[normalizeMintURL(activeMint)]; ok {
				return ours[normalizeMintURL(activeMint)], nil
			}
		}
	}
	for _, mint := range recipientMints {
		if local, ok := ours[normalizeMintURL(mint)]; ok {
			return local, nil
		}
	}
	return "", ErrMintIncompatible
}

func normalizeMintURL(mint string) string {
	return strings.TrimSuffix(strings.ToLower(mint), "/")
}

// lockingPubkey normalizes the recipient's published key to the
// 33-byte compressed form spending conditions expect. Some clients
// publish the 32-byte x-only form.
func lockingPubkey(pubkey string) string {
	if len(pubkey) == 64 {
		return "02" + pubkey
	}
	return pubkey
}
