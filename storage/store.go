// Package storage persists protocol records and token balances in a single
// bbolt database. One Exec call maps to one bbolt write transaction, so every
// record write and custodial transfer of an operation commits or rolls back
// together.
package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"levswap/native/leverage"
)

var (
	bucketReserves  = []byte("reserves")
	bucketMarkets   = []byte("markets")
	bucketPositions = []byte("positions")
	bucketBalances  = []byte("balances")
	bucketSupplies  = []byte("supplies")
)

// Store owns the database handle.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketReserves, bucketMarkets, bucketPositions, bucketBalances, bucketSupplies,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Exec runs fn inside a single write transaction. An error from fn rolls the
// whole transaction back.
func (s *Store) Exec(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// View runs fn inside a read-only transaction. Writes through the Tx fail.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// Tx is a storage transaction. It carries both the record state and the token
// ledger of the protocol.
type Tx struct {
	btx *bolt.Tx
}

func (t *Tx) Reserve(id string) (*leverage.Reserve, error) {
	raw := t.btx.Bucket(bucketReserves).Get([]byte(id))
	if raw == nil {
		return nil, fmt.Errorf("%w: %q", leverage.ErrUnknownReserve, id)
	}
	return decodeReserve(raw)
}

func (t *Tx) PutReserve(reserve *leverage.Reserve) error {
	raw, err := encodeReserve(reserve)
	if err != nil {
		return err
	}
	return t.btx.Bucket(bucketReserves).Put([]byte(reserve.ID), raw)
}

func (t *Tx) Market(id string) (*leverage.Market, error) {
	raw := t.btx.Bucket(bucketMarkets).Get([]byte(id))
	if raw == nil {
		return nil, fmt.Errorf("%w: %q", leverage.ErrUnknownMarket, id)
	}
	return decodeMarket(raw)
}

func (t *Tx) PutMarket(market *leverage.Market) error {
	raw, err := encodeMarket(market)
	if err != nil {
		return err
	}
	return t.btx.Bucket(bucketMarkets).Put([]byte(market.ID), raw)
}

func (t *Tx) Position(id string) (*leverage.Position, error) {
	raw := t.btx.Bucket(bucketPositions).Get([]byte(id))
	if raw == nil {
		return nil, fmt.Errorf("%w: %q", leverage.ErrUnknownPosition, id)
	}
	return decodePosition(raw)
}

func (t *Tx) PutPosition(position *leverage.Position) error {
	raw, err := encodePosition(position)
	if err != nil {
		return err
	}
	return t.btx.Bucket(bucketPositions).Put([]byte(position.ID), raw)
}

// Reserves lists every stored reserve.
func (t *Tx) Reserves() ([]*leverage.Reserve, error) {
	var out []*leverage.Reserve
	err := t.btx.Bucket(bucketReserves).ForEach(func(_, raw []byte) error {
		reserve, err := decodeReserve(raw)
		if err != nil {
			return err
		}
		out = append(out, reserve)
		return nil
	})
	return out, err
}

// Markets lists every stored market.
func (t *Tx) Markets() ([]*leverage.Market, error) {
	var out []*leverage.Market
	err := t.btx.Bucket(bucketMarkets).ForEach(func(_, raw []byte) error {
		market, err := decodeMarket(raw)
		if err != nil {
			return err
		}
		out = append(out, market)
		return nil
	})
	return out, err
}

func amountValue(raw []byte) leverage.Amount {
	if len(raw) != 8 {
		return 0
	}
	return leverage.Amount(binary.BigEndian.Uint64(raw))
}

func putAmount(bucket *bolt.Bucket, key string, amount leverage.Amount) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(amount))
	return bucket.Put([]byte(key), buf[:])
}

// Balance reads an account balance. Accounts never credited read as zero.
func (t *Tx) Balance(account string) (leverage.Amount, error) {
	return amountValue(t.btx.Bucket(bucketBalances).Get([]byte(account))), nil
}

// Supply reads the outstanding supply of a mint.
func (t *Tx) Supply(mint string) (leverage.Amount, error) {
	return amountValue(t.btx.Bucket(bucketSupplies).Get([]byte(mint))), nil
}

func (t *Tx) credit(account string, amount leverage.Amount) error {
	bucket := t.btx.Bucket(bucketBalances)
	next, err := amountValue(bucket.Get([]byte(account))).Add(amount)
	if err != nil {
		return err
	}
	return putAmount(bucket, account, next)
}

func (t *Tx) debit(account string, amount leverage.Amount) error {
	bucket := t.btx.Bucket(bucketBalances)
	balance := amountValue(bucket.Get([]byte(account)))
	if balance < amount {
		return fmt.Errorf("%w: account %q holds %d, needs %d",
			leverage.ErrInsufficientBalance, account, balance, amount)
	}
	return putAmount(bucket, account, balance-amount)
}

// Transfer moves amount between accounts. A zero amount is a no-op so callers
// can sweep possibly-empty vaults without special-casing.
func (t *Tx) Transfer(from, to string, amount leverage.Amount) error {
	if amount.IsZero() {
		return nil
	}
	if err := t.debit(from, amount); err != nil {
		return err
	}
	return t.credit(to, amount)
}

// Mint creates amount of mint in account and grows the supply.
func (t *Tx) Mint(mint, account string, amount leverage.Amount) error {
	if amount.IsZero() {
		return nil
	}
	supplies := t.btx.Bucket(bucketSupplies)
	next, err := amountValue(supplies.Get([]byte(mint))).Add(amount)
	if err != nil {
		return err
	}
	if err := putAmount(supplies, mint, next); err != nil {
		return err
	}
	return t.credit(account, amount)
}

// Burn destroys amount of mint held by account and shrinks the supply.
func (t *Tx) Burn(mint, account string, amount leverage.Amount) error {
	if amount.IsZero() {
		return nil
	}
	if err := t.debit(account, amount); err != nil {
		return err
	}
	supplies := t.btx.Bucket(bucketSupplies)
	supply := amountValue(supplies.Get([]byte(mint)))
	if supply < amount {
		return fmt.Errorf("%w: mint %q supply %d, burning %d",
			leverage.ErrInsufficientBalance, mint, supply, amount)
	}
	return putAmount(supplies, mint, supply-amount)
}
