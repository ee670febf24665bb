// Package wallet implements a local-first ecash wallet: proofs live in
// an authoritative local ledger, mints are reached over the Cashu HTTP
// API and encrypted backups plus transaction history are published to
// Nostr relays.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/wavlake/zapwallet/relays"
	"github.com/wavlake/zapwallet/wallet/client"
	"github.com/wavlake/zapwallet/wallet/storage"
)

type Config struct {
	DataDir string
	// mints this wallet holds and redeems from; the first one is used
	// when an operation does not name a mint
	Mints  []string
	Relays []string
}

// Session is a running wallet: an open database, live relay
// connections and the background pollers. A process holds at most one
// session per data dir; Close tears everything down and waits for the
// pollers to stop.
type Session struct {
	config Config
	db     storage.WalletDB
	pool   *relays.Pool
	signer relays.Signer
	logger *slog.Logger

	gateway *MintGateway
	ledger  *ProofLedger
	history *HistoryReconciler
	bridge  *LightningBridge
	nutzaps *NutzapProtocol

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSession(config Config, signer relays.Signer, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.Mints) == 0 {
		return nil, errors.New("at least one mint is required")
	}

	db, err := storage.InitBolt(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("could not open wallet db: %v", err)
	}

	p2pkKey, err := walletP2PKKey(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := relays.NewPool(config.Relays, logger)
	gateway := NewMintGateway(client.New(), logger)
	ledger := NewProofLedger(ctx, db, pool, signer, logger)
	history := NewHistoryReconciler(ctx, db, pool, signer, logger)
	bridge := NewLightningBridge(ctx, gateway, ledger, history, db, logger)
	nutzaps := NewNutzapProtocol(ctx, gateway, ledger, history, db, pool, signer,
		p2pkKey, config.Mints, config.Mints[0], logger)

	session := &Session{
		config:  config,
		db:      db,
		pool:    pool,
		signer:  signer,
		logger:  logger,
		gateway: gateway,
		ledger:  ledger,
		history: history,
		bridge:  bridge,
		nutzaps: nutzaps,
		ctx:     ctx,
		cancel:  cancel,
	}
	nutzaps.Start(&session.wg)
	return session, nil
}

// walletP2PKKey loads or creates the wallet mnemonic and derives the
// key locked ecash is received on.
func walletP2PKKey(db storage.WalletDB) (*btcec.PrivateKey, error) {
	mnemonic := db.GetMnemonic()
	if mnemonic == "" {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, err
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, err
		}
		if err := db.SaveMnemonic(mnemonic); err != nil {
			return nil, fmt.Errorf("could not save mnemonic: %v", err)
		}
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, "")
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	return deriveP2PK(masterKey)
}

// deriveP2PK derives m/129372'/0'/1'/0, the key this wallet receives
// locked ecash on.
func deriveP2PK(key *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	purpose, err := key.Derive(hdkeychain.HardenedKeyStart + 129372)
	if err != nil {
		return nil, err
	}
	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}
	account, err := coinType.Derive(hdkeychain.HardenedKeyStart + 1)
	if err != nil {
		return nil, err
	}
	extKey, err := account.Derive(0)
	if err != nil {
		return nil, err
	}
	return extKey.ECPrivKey()
}

// Close stops the background pollers, waits for them and releases the
// relay connections and the database.
func (s *Session) Close() error {
	s.cancel()
	s.wg.Wait()
	s.pool.Close()
	return s.db.Close()
}

func (s *Session) Mnemonic() string {
	return s.db.GetMnemonic()
}

func (s *Session) Pubkey() string {
	return s.signer.Pubkey()
}

// ActiveMint is the mint used when an operation does not name one.
func (s *Session) ActiveMint() string {
	return s.config.Mints[0]
}

func (s *Session) Balance() uint64 {
	return s.ledger.TotalBalance()
}

func (s *Session) MintBalance(mint string) uint64 {
	return s.ledger.Balance(mint)
}

// Mints returns the mints currently holding a non-zero balance.
func (s *Session) Mints() []string {
	return s.ledger.Mints()
}

// Receive creates a Lightning invoice on the mint and starts polling
// for its payment.
func (s *Session) Receive(ctx context.Context, mint string, amount uint64) (*Receive, error) {
	return s.bridge.Receive(ctx, s.mintOrActive(mint), amount)
}

func (s *Session) ResumeReceive(receive *Receive) error {
	return s.bridge.Resume(receive)
}

func (s *Session) AbandonReceive(receive *Receive) error {
	return s.bridge.Abandon(receive)
}

// Pay melts ecash from the mint to settle a BOLT11 invoice.
func (s *Session) Pay(ctx context.Context, mint, invoice string) (*storage.MeltQuote, error) {
	return s.bridge.Pay(ctx, s.mintOrActive(mint), invoice)
}

// ReconcileMelt resolves a payment whose outcome was left unknown by a
// transport failure.
func (s *Session) ReconcileMelt(ctx context.Context, quoteId string) error {
	return s.bridge.ReconcileMelt(ctx, quoteId)
}

// SendNutzap locks amount sats to the recipient's published nutzap key
// and publishes the zap event. recipient is a hex pubkey or an npub.
func (s *Session) SendNutzap(ctx context.Context, recipient string, amount uint64,
	comment, zappedEvent string) (string, error) {
	return s.nutzaps.Send(ctx, recipient, amount, comment, zappedEvent)
}

// RedeemNutzap claims a received nutzap that was not auto-redeemed.
func (s *Session) RedeemNutzap(ctx context.Context, id string) error {
	return s.nutzaps.Redeem(ctx, id)
}

func (s *Session) Nutzaps() []storage.NutzapRecord {
	return s.nutzaps.Nutzaps()
}

// PublishNutzapInfo announces this wallet's nutzap key, trusted mints
// and relays so others can zap it.
func (s *Session) PublishNutzapInfo(ctx context.Context) error {
	return s.nutzaps.PublishNutzapInfo(ctx)
}

// History returns the currently revealed page of the merged timeline.
func (s *Session) History() []TimelineEntry {
	return s.history.Visible()
}

// RevealMoreHistory extends the visible timeline by one page.
func (s *Session) RevealMoreHistory() {
	s.history.Reveal()
}

func (s *Session) mintOrActive(mint string) string {
	if mint == "" {
		return s.config.Mints[0]
	}
	return mint
}
