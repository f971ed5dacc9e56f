package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Bucket keys
var (
	bucketEntries  = []byte("entries")
	bucketReceipts = []byte("receipts")
	bucketDigests  = []byte("digests")
	bucketMeta     = []byte("meta")
	keyHead        = []byte("head")
)

// genesisHash is the previous hash of the first entry.
var genesisHash = hex.EncodeToString(make([]byte, sha256.Size))

// entry is the stored form of one commit. Entries are keyed by a big-endian
// sequence number so a cursor walks them in commit order.
type entry struct {
	Seq         uint64    `json:"seq"`
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Content     string    `json:"content"`
	Description string    `json:"description"`
	Digest      string    `json:"digest"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

func (e entry) receipt() Receipt {
	return Receipt{ID: e.ID, Timestamp: e.Timestamp, Digest: e.Digest}
}

// BoltLedger is a local Client backed by bbolt. Every entry carries the hash
// of its predecessor, so editing or removing any entry breaks the chain.
type BoltLedger struct {
	db     *bolt.DB
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// OpenBolt opens (or creates) a ledger file at path.
func OpenBolt(path string, logger *zap.Logger) (*BoltLedger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketReceipts, bucketDigests, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}

	return &BoltLedger{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the ledger file.
func (l *BoltLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

// Commit implements Client.
func (l *BoltLedger) Commit(ctx context.Context, content, description string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, contextError(err)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return Receipt{}, ErrClosed
	}

	digest := contentDigest(content, description)
	var committed entry
	deduped := false

	err := l.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		digests := tx.Bucket(bucketDigests)

		if seqKey := digests.Get([]byte(digest)); seqKey != nil {
			e, err := decodeEntry(entries.Get(seqKey))
			if err != nil {
				return err
			}
			committed = e
			deduped = true
			return nil
		}

		seq, err := entries.NextSequence()
		if err != nil {
			return err
		}

		prev := genesisHash
		if head := tx.Bucket(bucketMeta).Get(keyHead); head != nil {
			prev = string(head)
		}

		e := entry{
			Seq:         seq,
			ID:          uuid.NewString(),
			Timestamp:   l.now(),
			Content:     content,
			Description: description,
			Digest:      digest,
			PrevHash:    prev,
		}
		e.Hash = chainHash(e)

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}

		key := seqKey(seq)
		if err := entries.Put(key, data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketReceipts).Put([]byte(e.ID), key); err != nil {
			return err
		}
		if err := digests.Put([]byte(digest), key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketMeta).Put(keyHead, []byte(e.Hash)); err != nil {
			return err
		}
		committed = e
		return nil
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to commit to ledger: %w", err)
	}

	l.logger.Info("ledger commit",
		zap.String("receipt", committed.ID),
		zap.Uint64("seq", committed.Seq),
		zap.Bool("deduplicated", deduped),
	)
	return committed.receipt(), nil
}

// Verify implements Client. It walks the chain from the first entry up to the
// receipt's entry and fails with ErrTampered on the first broken link.
func (l *BoltLedger) Verify(ctx context.Context, receipt Receipt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", contextError(err)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return "", ErrClosed
	}

	var content string
	err := l.db.View(func(tx *bolt.Tx) error {
		target := tx.Bucket(bucketReceipts).Get([]byte(receipt.ID))
		if target == nil {
			return ErrNotFound
		}
		targetSeq := binary.BigEndian.Uint64(target)

		e, err := walkChain(tx, targetSeq)
		if err != nil {
			return err
		}
		if e.ID != receipt.ID {
			return fmt.Errorf("%w: receipt %s points at entry %s", ErrTampered, receipt.ID, e.ID)
		}
		if receipt.Digest != "" && receipt.Digest != e.Digest {
			return fmt.Errorf("%w: digest does not match receipt", ErrTampered)
		}
		content = e.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to verify receipt %s: %w", receipt.ID, err)
	}
	return content, nil
}

// VerifyChain checks every entry in the ledger.
func (l *BoltLedger) VerifyChain(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, contextError(err)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}

	var n int
	err := l.db.View(func(tx *bolt.Tx) error {
		last, err := walkChain(tx, 0)
		if err != nil {
			return err
		}
		n = int(last.Seq)
		head := tx.Bucket(bucketMeta).Get(keyHead)
		if n > 0 && string(head) != last.Hash {
			return fmt.Errorf("%w: head does not match last entry", ErrTampered)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to verify ledger: %w", err)
	}
	return n, nil
}

// Lookup returns the receipt stored under id without verifying the chain.
func (l *BoltLedger) Lookup(id string) (Receipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return Receipt{}, ErrClosed
	}

	var r Receipt
	err := l.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketReceipts).Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		e, err := decodeEntry(tx.Bucket(bucketEntries).Get(key))
		if err != nil {
			return err
		}
		r = e.receipt()
		return nil
	})
	return r, err
}

// walkChain validates entries in order and returns the entry at stopSeq, or
// the last entry when stopSeq is 0.
func walkChain(tx *bolt.Tx, stopSeq uint64) (entry, error) {
	prev := genesisHash
	var want uint64 = 1
	var last entry

	c := tx.Bucket(bucketEntries).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		e, err := decodeEntry(v)
		if err != nil {
			return entry{}, err
		}
		seq := binary.BigEndian.Uint64(k)
		switch {
		case seq != want || e.Seq != seq:
			return entry{}, fmt.Errorf("%w: entry %d out of sequence", ErrTampered, seq)
		case e.PrevHash != prev:
			return entry{}, fmt.Errorf("%w: entry %d does not link to its predecessor", ErrTampered, seq)
		case e.Digest != contentDigest(e.Content, e.Description):
			return entry{}, fmt.Errorf("%w: entry %d content digest mismatch", ErrTampered, seq)
		case e.Hash != chainHash(e):
			return entry{}, fmt.Errorf("%w: entry %d hash mismatch", ErrTampered, seq)
		}

		last = e
		if seq == stopSeq {
			return e, nil
		}
		prev = e.Hash
		want++
	}

	if stopSeq != 0 {
		return entry{}, fmt.Errorf("%w: entry %d missing from chain", ErrTampered, stopSeq)
	}
	return last, nil
}

func decodeEntry(data []byte) (entry, error) {
	if data == nil {
		return entry{}, fmt.Errorf("%w: entry missing", ErrTampered)
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return entry{}, fmt.Errorf("%w: unmarshal entry: %v", ErrTampered, err)
	}
	return e, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// contentDigest identifies a (content, description) pair.
func contentDigest(content, description string) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(len(content))))
	h.Write([]byte{0})
	h.Write([]byte(content))
	h.Write([]byte(description))
	return hex.EncodeToString(h.Sum(nil))
}

// chainHash binds an entry to its predecessor.
func chainHash(e entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s", e.Seq, e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Digest, e.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable(err)
	}
	return err
}

var _ Client = (*BoltLedger)(nil)
