package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	sessionsBucket = []byte("receipts")
	// createdBucket indexes sessions by creation time: key is createdKey, value is the id
	createdBucket = []byte("receipts_by_created")
)

// createdLayout is fixed width so index keys sort chronologically as bytes
const createdLayout = "20060102T150405.000000000"

// ErrReceiptNotFound is returned when no receipt has the requested id
var ErrReceiptNotFound = errors.New("receipt not found")

// DB persists splitting sessions
type DB interface {
	// SaveReceipt inserts or replaces a receipt
	SaveReceipt(receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(id string) (*Receipt, error)

	// ListReceipts returns all receipts, newest first
	ListReceipts() ([]*Receipt, error)

	// DeleteReceipt removes a receipt
	DeleteReceipt(id string) error

	Close() error
}

// BoltDB stores each session as JSON in a bbolt file
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB opens (or creates) the database file and its buckets
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, createdBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func createdKey(r *Receipt) []byte {
	return []byte(r.CreatedAt.UTC().Format(createdLayout) + "/" + r.ID)
}

// SaveReceipt writes the session and keeps the creation index in step with it
func (b *BoltDB) SaveReceipt(receipt *Receipt) error {
	if receipt.ID == "" {
		return fmt.Errorf("receipt id is required")
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		sessions, index := tx.Bucket(sessionsBucket), tx.Bucket(createdBucket)

		if previous := sessions.Get([]byte(receipt.ID)); previous != nil {
			var old Receipt
			if err := json.Unmarshal(previous, &old); err != nil {
				return fmt.Errorf("unmarshaling receipt %s: %w", receipt.ID, err)
			}
			if err := index.Delete(createdKey(&old)); err != nil {
				return err
			}
		}

		if err := sessions.Put([]byte(receipt.ID), data); err != nil {
			return err
		}
		return index.Put(createdKey(receipt), []byte(receipt.ID))
	})
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(id string) (*Receipt, error) {
	var receipt Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrReceiptNotFound, id)
		}
		return json.Unmarshal(data, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// ListReceipts walks the creation index backwards, so the newest session comes first
func (b *BoltDB) ListReceipts() ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(sessionsBucket)
		c := tx.Bucket(createdBucket).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			data := sessions.Get(id)
			if data == nil {
				continue
			}
			var receipt Receipt
			if err := json.Unmarshal(data, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt %s: %w", id, err)
			}
			receipts = append(receipts, &receipt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt and its index entry. Deleting a missing receipt is not an error.
func (b *BoltDB) DeleteReceipt(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(sessionsBucket)
		data := sessions.Get([]byte(id))
		if data == nil {
			return nil
		}
		var receipt Receipt
		if err := json.Unmarshal(data, &receipt); err == nil {
			if err := tx.Bucket(createdBucket).Delete(createdKey(&receipt)); err != nil {
				return err
			}
		}
		return sessions.Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
