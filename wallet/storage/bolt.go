package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	keysBucket          = "keys"
	proofsBucket        = "proofs"
	pendingProofsBucket = "pending_proofs"
	pendingTxsBucket    = "pending_txs"
	historyBucket       = "history"
	mintQuotesBucket    = "mint_quotes"
	meltQuotesBucket    = "melt_quotes"
	nutzapsBucket       = "nutzaps"

	mnemonicKey = "mnemonic"
)

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600,
		&bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		return nil, fmt.Errorf("error setting up db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) initWalletBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buckets := []string{
			keysBucket,
			proofsBucket,
			pendingProofsBucket,
			pendingTxsBucket,
			historyBucket,
			mintQuotesBucket,
			meltQuotesBucket,
			nutzapsBucket,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) SaveMnemonic(mnemonic string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysb := tx.Bucket([]byte(keysBucket))
		return keysb.Put([]byte(mnemonicKey), []byte(mnemonic))
	})
}

func (db *BoltDB) GetMnemonic() string {
	var mnemonic string
	db.bolt.View(func(tx *bolt.Tx) error {
		keysb := tx.Bucket([]byte(keysBucket))
		mnemonic = string(keysb.Get([]byte(mnemonicKey)))
		return nil
	})
	return mnemonic
}

func (db *BoltDB) SaveProofs(proofs []DBProof) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, proof := range proofs {
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := proofsb.Put([]byte(proof.Secret), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetProofsByMint(mint string) []DBProof {
	proofs := []DBProof{}
	db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		c := proofsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			if proof.Mint == mint {
				proofs = append(proofs, proof)
			}
		}
		return nil
	})
	return proofs
}

func (db *BoltDB) GetProofs() []DBProof {
	proofs := []DBProof{}
	db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		c := proofsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			proofs = append(proofs, proof)
		}
		return nil
	})
	return proofs
}

func (db *BoltDB) DeleteProof(secret string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		val := proofsb.Get([]byte(secret))
		if val == nil {
			return errors.New("proof does not exist")
		}
		return proofsb.Delete([]byte(secret))
	})
}

func (db *BoltDB) AddPendingProofsByQuoteId(proofs []DBProof, quoteId string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		pendingb := tx.Bucket([]byte(pendingProofsBucket))
		quoteBucket, err := pendingb.CreateBucketIfNotExists([]byte(quoteId))
		if err != nil {
			return err
		}
		for _, proof := range proofs {
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := quoteBucket.Put([]byte(proof.Secret), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetPendingProofsByQuoteId(quoteId string) []DBProof {
	proofs := []DBProof{}
	db.bolt.View(func(tx *bolt.Tx) error {
		pendingb := tx.Bucket([]byte(pendingProofsBucket))
		quoteBucket := pendingb.Bucket([]byte(quoteId))
		if quoteBucket == nil {
			return nil
		}
		c := quoteBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			proofs = append(proofs, proof)
		}
		return nil
	})
	return proofs
}

func (db *BoltDB) DeletePendingProofsByQuoteId(quoteId string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		pendingb := tx.Bucket([]byte(pendingProofsBucket))
		if pendingb.Bucket([]byte(quoteId)) == nil {
			return nil
		}
		return pendingb.DeleteBucket([]byte(quoteId))
	})
}

func (db *BoltDB) SavePendingTx(pendingTx PendingTx) error {
	jsonTx, err := json.Marshal(pendingTx)
	if err != nil {
		return fmt.Errorf("invalid pending tx: %v", err)
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		pendingb := tx.Bucket([]byte(pendingTxsBucket))
		return pendingb.Put([]byte(pendingTx.Id), jsonTx)
	})
}

func (db *BoltDB) GetPendingTxs() []PendingTx {
	pendingTxs := []PendingTx{}
	db.bolt.View(func(tx *bolt.Tx) error {
		pendingb := tx.Bucket([]byte(pendingTxsBucket))
		c := pendingb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var pendingTx PendingTx
			if err := json.Unmarshal(v, &pendingTx); err != nil {
				return err
			}
			pendingTxs = append(pendingTxs, pendingTx)
		}
		return nil
	})
	return pendingTxs
}

func (db *BoltDB) DeletePendingTx(id string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		pendingb := tx.Bucket([]byte(pendingTxsBucket))
		return pendingb.Delete([]byte(id))
	})
}

func (db *BoltDB) SaveHistoryRecord(record HistoryRecord) error {
	jsonRecord, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("invalid history record: %v", err)
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		historyb := tx.Bucket([]byte(historyBucket))
		// keyed by timestamp first so cursor order is chronological
		key := make([]byte, 8, 8+len(record.Id))
		binary.BigEndian.PutUint64(key, uint64(record.Timestamp))
		key = append(key, []byte(record.Id)...)
		return historyb.Put(key, jsonRecord)
	})
}

func (db *BoltDB) GetHistoryRecords() []HistoryRecord {
	records := []HistoryRecord{}
	db.bolt.View(func(tx *bolt.Tx) error {
		historyb := tx.Bucket([]byte(historyBucket))
		c := historyb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var record HistoryRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	return records
}

func (db *BoltDB) SaveMintQuote(quote MintQuote) error {
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("invalid mint quote: %v", err)
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(mintQuotesBucket))
		return quotesb.Put([]byte(quote.QuoteId), jsonQuote)
	})
}

func (db *BoltDB) GetMintQuoteById(id string) *MintQuote {
	var quote *MintQuote
	db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(mintQuotesBucket))
		val := quotesb.Get([]byte(id))
		if val == nil {
			return nil
		}
		var q MintQuote
		if err := json.Unmarshal(val, &q); err != nil {
			return err
		}
		quote = &q
		return nil
	})
	return quote
}

func (db *BoltDB) GetMintQuotes() []MintQuote {
	quotes := []MintQuote{}
	db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(mintQuotesBucket))
		c := quotesb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var quote MintQuote
			if err := json.Unmarshal(v, &quote); err != nil {
				return err
			}
			quotes = append(quotes, quote)
		}
		return nil
	})
	return quotes
}

func (db *BoltDB) SaveMeltQuote(quote MeltQuote) error {
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("invalid melt quote: %v", err)
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(meltQuotesBucket))
		return quotesb.Put([]byte(quote.QuoteId), jsonQuote)
	})
}

func (db *BoltDB) GetMeltQuoteById(id string) *MeltQuote {
	var quote *MeltQuote
	db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(meltQuotesBucket))
		val := quotesb.Get([]byte(id))
		if val == nil {
			return nil
		}
		var q MeltQuote
		if err := json.Unmarshal(val, &q); err != nil {
			return err
		}
		quote = &q
		return nil
	})
	return quote
}

func (db *BoltDB) GetMeltQuotes() []MeltQuote {
	quotes := []MeltQuote{}
	db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(meltQuotesBucket))
		c := quotesb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var quote MeltQuote
			if err := json.Unmarshal(v, &quote); err != nil {
				return err
			}
			quotes = append(quotes, quote)
		}
		return nil
	})
	return quotes
}

func (db *BoltDB) SaveNutzap(nutzap NutzapRecord) error {
	jsonNutzap, err := json.Marshal(nutzap)
	if err != nil {
		return fmt.Errorf("invalid nutzap: %v", err)
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		nutzapsb := tx.Bucket([]byte(nutzapsBucket))
		return nutzapsb.Put([]byte(nutzap.Id), jsonNutzap)
	})
}

func (db *BoltDB) GetNutzapById(id string) *NutzapRecord {
	var nutzap *NutzapRecord
	db.bolt.View(func(tx *bolt.Tx) error {
		nutzapsb := tx.Bucket([]byte(nutzapsBucket))
		val := nutzapsb.Get([]byte(id))
		if val == nil {
			return nil
		}
		var n NutzapRecord
		if err := json.Unmarshal(val, &n); err != nil {
			return err
		}
		nutzap = &n
		return nil
	})
	return nutzap
}

func (db *BoltDB) GetNutzaps() []NutzapRecord {
	nutzaps := []NutzapRecord{}
	db.bolt.View(func(tx *bolt.Tx) error {
		nutzapsb := tx.Bucket([]byte(nutzapsBucket))
		c := nutzapsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var nutzap NutzapRecord
			if err := json.Unmarshal(v, &nutzap); err != nil {
				return err
			}
			nutzaps = append(nutzaps, nutzap)
		}
		return nil
	})
	return nutzaps
}

func (db *BoltDB) IsNutzapRedeemed(id string) bool {
	nutzap := db.GetNutzapById(id)
	return nutzap != nil && nutzap.Redeemed
}

// LatestRedemptionTime returns the created_at of the newest redeemed
// nutzap. Used as the since cursor for the receive poll.
func (db *BoltDB) LatestRedemptionTime() int64 {
	var latest int64
	for _, nutzap := range db.GetNutzaps() {
		if nutzap.Redeemed && nutzap.CreatedAt > latest {
			latest = nutzap.CreatedAt
		}
	}
	return latest
}
