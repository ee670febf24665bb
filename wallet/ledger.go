package wallet

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/elnosh/gonuts/cashu"
	"github.com/nbd-wtf/go-nostr"

	"github.com/wavlake/zapwallet/nip60"
	"github.com/wavlake/zapwallet/relays"
	"github.com/wavlake/zapwallet/wallet/storage"
)

const backupPublishAttempts = 5

// ProofLedger is the authoritative set of unspent proofs, partitioned by
// mint. All mutations go through UpdateProofs; callers never
// read-modify-write the proof set directly. Mutations on the same mint
// are serialized, mutations on different mints may proceed concurrently.
type ProofLedger struct {
	db     storage.WalletDB
	pool   *relays.Pool
	signer relays.Signer
	logger *slog.Logger

	// bounds backup publish retries to the owning session
	sessionCtx context.Context

	mu    sync.Mutex
	mints map[string]*mintLedger
}

type mintLedger struct {
	mu     sync.Mutex
	proofs cashu.Proofs
	// proof secret -> id of the backup event that introduced it
	eventIds map[string]string
	// ids of the live backup events for this mint, superseded on next publish
	backupIds []string
	// whether a background retry loop for this mint is already running
	retrying bool

	// serializes backup publishes so every event's del list reflects the
	// backup that is actually live when the event is built
	pubMu sync.Mutex
}

func NewProofLedger(sessionCtx context.Context, db storage.WalletDB, pool *relays.Pool,
	signer relays.Signer, logger *slog.Logger) *ProofLedger {
	if logger == nil {
		logger = slog.Default()
	}

	ledger := &ProofLedger{
		db:         db,
		pool:       pool,
		signer:     signer,
		logger:     logger,
		sessionCtx: sessionCtx,
		mints:      make(map[string]*mintLedger),
	}

	for _, dbProof := range db.GetProofs() {
		ml := ledger.mintLedger(dbProof.Mint)
		ml.proofs = append(ml.proofs, dbProof.ToCashu())
		if dbProof.EventId != "" {
			ml.eventIds[dbProof.Secret] = dbProof.EventId
			if !contains(ml.backupIds, dbProof.EventId) {
				ml.backupIds = append(ml.backupIds, dbProof.EventId)
			}
		}
	}

	return ledger
}

func (l *ProofLedger) mintLedger(mint string) *mintLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	ml, ok := l.mints[mint]
	if !ok {
		ml = &mintLedger{eventIds: make(map[string]string)}
		l.mints[mint] = ml
	}
	return ml
}

// UpdateProofs atomically removes and adds proofs for a mint. Removal is
// validated against current membership before anything is applied: if any
// proof in remove is absent the whole operation fails with
// StaleProofError and no partial mutation occurs.
func (l *ProofLedger) UpdateProofs(ctx context.Context, mint string, add, remove cashu.Proofs) error {
	ml := l.mintLedger(mint)

	if err := l.applyUpdate(ml, mint, add, remove); err != nil {
		return err
	}

	l.publishBackup(ctx, mint, ml)
	return nil
}

func (l *ProofLedger) applyUpdate(ml *mintLedger, mint string, add, remove cashu.Proofs) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	current := make(map[string]int, len(ml.proofs))
	for i, proof := range ml.proofs {
		current[proof.Secret] = i
	}
	for _, proof := range remove {
		if _, ok := current[proof.Secret]; !ok {
			return &StaleProofError{Mint: mint, Secret: proof.Secret}
		}
	}

	removed := make(map[string]bool, len(remove))
	for _, proof := range remove {
		removed[proof.Secret] = true
	}

	kept := make(cashu.Proofs, 0, len(ml.proofs)-len(remove)+len(add))
	for _, proof := range ml.proofs {
		if !removed[proof.Secret] {
			kept = append(kept, proof)
		}
	}
	kept = append(kept, add...)
	ml.proofs = kept

	for _, proof := range remove {
		delete(ml.eventIds, proof.Secret)
		if err := l.db.DeleteProof(proof.Secret); err != nil {
			l.logger.Error("could not delete proof from db", "mint", mint, "error", err)
		}
	}
	if len(add) > 0 {
		dbProofs := make([]storage.DBProof, len(add))
		for i, proof := range add {
			dbProofs[i] = storage.FromCashu(proof, mint, "")
		}
		if err := l.db.SaveProofs(dbProofs); err != nil {
			l.logger.Error("could not save proofs to db", "mint", mint, "error", err)
		}
	}

	return nil
}

// buildBackupEvent snapshots the mint's current proof set and live backup
// ids into an encrypted kind-7375 event. The returned snapshot is what
// the event records; applyBackupEvent needs it to know which proofs the
// event covers.
func (l *ProofLedger) buildBackupEvent(mint string, ml *mintLedger) (*nostr.Event, cashu.Proofs) {
	ml.mu.Lock()
	snapshot := make(cashu.Proofs, len(ml.proofs))
	copy(snapshot, ml.proofs)
	superseded := make([]string, len(ml.backupIds))
	copy(superseded, ml.backupIds)
	ml.mu.Unlock()

	event, err := nip60.NewTokenEvent(l.signer, nip60.TokenContent{
		Mint:   mint,
		Proofs: snapshot,
		Del:    superseded,
	})
	if err != nil {
		l.logger.Error("could not build backup event", "mint", mint, "error", err)
		return nil, nil
	}
	return event, snapshot
}

// applyBackupEvent marks eventId as the mint's live backup. Only proofs
// from the snapshot that are still unspent get stamped: a proof spent
// between build and apply keeps no mapping to the event that briefly
// recorded it.
func (l *ProofLedger) applyBackupEvent(mint string, ml *mintLedger, eventId string, snapshot cashu.Proofs) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	ml.backupIds = []string{eventId}

	current := make(map[string]bool, len(ml.proofs))
	for _, proof := range ml.proofs {
		current[proof.Secret] = true
	}
	dbProofs := make([]storage.DBProof, 0, len(snapshot))
	for _, proof := range snapshot {
		if !current[proof.Secret] {
			continue
		}
		ml.eventIds[proof.Secret] = eventId
		dbProofs = append(dbProofs, storage.FromCashu(proof, mint, eventId))
	}
	if len(dbProofs) > 0 {
		if err := l.db.SaveProofs(dbProofs); err != nil {
			l.logger.Error("could not record backup event id", "mint", mint, "error", err)
		}
	}
}

// publishBackup records the mint's full proof set in an encrypted
// kind-7375 event superseding the previous one. Publishes for a mint are
// serialized, and a retry always rebuilds the event from the latest
// state, so the del list always names the backup that is actually live.
// A publish failure never rolls back the in-memory mutation; the ledger
// tolerates being ahead of its durable backup.
func (l *ProofLedger) publishBackup(ctx context.Context, mint string, ml *mintLedger) {
	if l.pool == nil {
		return
	}

	ml.pubMu.Lock()
	event, snapshot := l.buildBackupEvent(mint, ml)
	if event == nil {
		ml.pubMu.Unlock()
		return
	}
	if err := l.pool.Publish(ctx, *event); err == nil {
		l.applyBackupEvent(mint, ml, event.ID, snapshot)
		ml.pubMu.Unlock()
		return
	}
	ml.pubMu.Unlock()

	l.logger.Warn("backup publish failed, retrying in background", "mint", mint, "event", event.ID)
	ml.mu.Lock()
	alreadyRetrying := ml.retrying
	ml.retrying = true
	ml.mu.Unlock()
	if !alreadyRetrying {
		go l.retryBackup(mint, ml)
	}
}

func (l *ProofLedger) retryBackup(mint string, ml *mintLedger) {
	defer func() {
		ml.mu.Lock()
		ml.retrying = false
		ml.mu.Unlock()
	}()

	backoff := time.Second
	for attempt := 0; attempt < backupPublishAttempts; attempt++ {
		select {
		case <-l.sessionCtx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2

		ml.pubMu.Lock()
		event, snapshot := l.buildBackupEvent(mint, ml)
		if event == nil {
			ml.pubMu.Unlock()
			return
		}
		err := l.pool.Publish(l.sessionCtx, *event)
		if err == nil {
			l.applyBackupEvent(mint, ml, event.ID, snapshot)
			ml.pubMu.Unlock()
			return
		}
		ml.pubMu.Unlock()
		l.logger.Warn("backup publish retry failed", "mint", mint, "event", event.ID, "error", err)
	}
	l.logger.Error("backup publish gave up", "mint", mint)
}

// GetMintProofs returns a copy of the current unspent set for the mint.
func (l *ProofLedger) GetMintProofs(mint string) cashu.Proofs {
	ml := l.mintLedger(mint)
	ml.mu.Lock()
	defer ml.mu.Unlock()
	proofs := make(cashu.Proofs, len(ml.proofs))
	copy(proofs, ml.proofs)
	return proofs
}

// GetProofEventID returns the id of the backup event that currently
// records the proof, or empty if the proof is unknown or not yet backed
// up.
func (l *ProofLedger) GetProofEventID(mint string, proof cashu.Proof) string {
	ml := l.mintLedger(mint)
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.eventIds[proof.Secret]
}

func (l *ProofLedger) Balance(mint string) uint64 {
	return l.GetMintProofs(mint).Amount()
}

func (l *ProofLedger) TotalBalance() uint64 {
	var total uint64
	for _, mint := range l.Mints() {
		total += l.Balance(mint)
	}
	return total
}

// Mints returns the mints that currently hold a non-zero balance,
// sorted for deterministic iteration.
func (l *ProofLedger) Mints() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	mints := []string{}
	for mint, ml := range l.mints {
		ml.mu.Lock()
		if len(ml.proofs) > 0 {
			mints = append(mints, mint)
		}
		ml.mu.Unlock()
	}
	sort.Strings(mints)
	return mints
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
