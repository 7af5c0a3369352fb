// Package walletdb persists the wallet state in a single-file bbolt
// database. The state is one JSON document under one key; bbolt's
// transactional writes make every Save atomic, so a crash mid-write leaves
// the previous state intact.
package walletdb

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tidewallet/tidewallet/wallet"
)

var (
	// stateBucket holds the wallet state document.
	stateBucket = []byte("wallet-state")

	// stateKey is the single key the document lives under.
	stateKey = []byte("state")
)

// openTimeout bounds how long Open waits on the file lock held by another
// process.
const openTimeout = 5 * time.Second

// Compile-time check that DB satisfies the wallet.Store interface.
var _ wallet.Store = (*DB)(nil)

// DB is a wallet.Store backed by a bbolt file.
type DB struct {
	db *bolt.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: openTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening wallet db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// Close releases the database file.
func (d *DB) Close() error {
	return d.db.Close()
}

// Load implements wallet.Store.
func (d *DB) Load() (*wallet.WalletState, error) {
	var state *wallet.WalletState
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(stateBucket).Get(stateKey)
		if raw == nil {
			return wallet.ErrStateNotFound
		}

		state = &wallet.WalletState{}
		if err := json.Unmarshal(raw, state); err != nil {
			return fmt.Errorf("decoding wallet state: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return state, nil
}

// Save implements wallet.Store.
func (d *DB) Save(state *wallet.WalletState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding wallet state: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put(stateKey, raw)
	})
}
