// Package channeldb persists Stable Agreements and the small amount of
// mutable per-channel state the stability loop owns (the tick-index counter
// and the single-flight lease), in a bbolt database using the same
// bucket/key-constant idiom as the rest of this module's storage, at a
// fraction of the size since no HTLC/commitment state is kept here.
package channeldb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/coreos/bbolt"

	"github.com/toneloc/stable-channels/stability"
)

var (
	// agreementBucket stores one key per channel, the JSON-encoded
	// StableAgreement plus its mutable tick index and lease.
	agreementBucket = []byte("stable-agreement-bucket")

	tickIndexKey = []byte("tick-index")
	leaseKey     = []byte("single-flight-lease")
)

// ErrNotFound is returned when no agreement exists for a channel id.
var ErrNotFound = fmt.Errorf("channeldb: no agreement found")

// ErrAlreadyLeased is returned by AcquireLease when a lease is already held
// and has not expired, implementing spec.md's single-flight invariant
// durably across process restarts.
var ErrAlreadyLeased = fmt.Errorf("channeldb: channel already leased")

// storedAgreement is the JSON-on-disk shape of a stability.Agreement. The
// wire.OutPoint-based ChannelID is split into its string form for
// readability in backups/exports.
type storedAgreement struct {
	ChannelID          string
	Role               stability.Role
	PegUSD             stability.MicroUSD
	NativeSat          stability.Sat
	NoOpBandUSD        stability.MicroUSD
	MaxPaymentUSD      stability.MicroUSD
	MaxPaymentFraction float64
}

// DB wraps a bbolt database dedicated to Stable Agreements.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if necessary) the agreement database at path.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("channeldb: opening %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(agreementBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(idempotencyBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{bolt: db}, nil
}

// Close releases the underlying file lock.
func (d *DB) Close() error {
	return d.bolt.Close()
}

func channelBucketName(id stability.ChannelID) []byte {
	return []byte(id.String())
}

// PutAgreement stores the agreement as-is; agreements are created once per
// channel and never mutated thereafter (spec.md §3 Ownership).
func (d *DB) PutAgreement(a stability.Agreement) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(agreementBucket)
		sub, err := root.CreateBucketIfNotExists(channelBucketName(a.ChannelID))
		if err != nil {
			return err
		}

		raw, err := json.Marshal(storedAgreement{
			ChannelID:          a.ChannelID.String(),
			Role:               a.Role,
			PegUSD:             a.PegUSD,
			NativeSat:          a.NativeSat,
			NoOpBandUSD:        a.NoOpBandUSD,
			MaxPaymentUSD:      a.MaxPaymentUSD,
			MaxPaymentFraction: a.MaxPaymentFraction,
		})
		if err != nil {
			return err
		}

		if err := sub.Put([]byte("agreement"), raw); err != nil {
			return err
		}

		// Initialize the tick index the first time this channel is
		// seen; leave it untouched on subsequent PutAgreement calls
		// guarding against accidental resets.
		if sub.Get(tickIndexKey) == nil {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], 0)
			if err := sub.Put(tickIndexKey, buf[:]); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetAgreement returns the stored agreement for id, or ErrNotFound.
func (d *DB) GetAgreement(id stability.ChannelID) (stability.Agreement, error) {
	var out stability.Agreement
	err := d.bolt.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(agreementBucket)
		sub := root.Bucket(channelBucketName(id))
		if sub == nil {
			return ErrNotFound
		}
		raw := sub.Get([]byte("agreement"))
		if raw == nil {
			return ErrNotFound
		}

		var sa storedAgreement
		if err := json.Unmarshal(raw, &sa); err != nil {
			return err
		}

		out = stability.Agreement{
			ChannelID:          id,
			Role:               sa.Role,
			PegUSD:             sa.PegUSD,
			NativeSat:          sa.NativeSat,
			NoOpBandUSD:        sa.NoOpBandUSD,
			MaxPaymentUSD:      sa.MaxPaymentUSD,
			MaxPaymentFraction: sa.MaxPaymentFraction,
		}
		return nil
	})
	return out, err
}

// DeleteAgreement removes a channel's agreement entirely. The daemon does
// not call it: stopping a loop or a channel close leaves the agreement in
// the database.
func (d *DB) DeleteAgreement(id stability.ChannelID) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(agreementBucket)
		return root.DeleteBucket(channelBucketName(id))
	})
}

// ListChannels returns every channel id with a stored agreement.
func (d *DB) ListChannels() ([]stability.ChannelID, error) {
	var ids []string
	err := d.bolt.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(agreementBucket)
		return root.ForEach(func(k, v []byte) error {
			// Nested buckets (one per channel) surface here with a
			// nil value; skip the "agreement"/"tick-index" leaf
			// keys that would otherwise live at this level if bbolt
			// ever stored them unnested.
			if v == nil {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]stability.ChannelID, 0, len(ids))
	for _, s := range ids {
		out = append(out, stability.ParseChannelID(s))
	}
	return out, nil
}

// NextTickIndex atomically increments and returns the tick index for a
// channel. The Stability Loop exclusively owns this counter (spec.md §3
// Ownership); this durable increment is what property P3 ("tick index
// strictly increases") relies on surviving a restart.
func (d *DB) NextTickIndex(id stability.ChannelID) (uint64, error) {
	var next uint64
	err := d.bolt.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(agreementBucket)
		sub := root.Bucket(channelBucketName(id))
		if sub == nil {
			return ErrNotFound
		}

		cur := uint64(0)
		if raw := sub.Get(tickIndexKey); raw != nil {
			cur = binary.BigEndian.Uint64(raw)
		}
		next = cur + 1

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], next)
		return sub.Put(tickIndexKey, buf[:])
	})
	return next, err
}

// AcquireLease durably records that a payment is in flight for id,
// implementing the single-flight invariant (spec.md §4.5, property P5)
// across process restarts, not just within one goroutine's lifetime.
// expiry bounds how long a crashed process can hold a stale lease.
func (d *DB) AcquireLease(id stability.ChannelID, leaseID string, expiry time.Duration) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(agreementBucket)
		sub := root.Bucket(channelBucketName(id))
		if sub == nil {
			return ErrNotFound
		}

		if raw := sub.Get(leaseKey); raw != nil {
			var rec leaseRecord
			if err := json.Unmarshal(raw, &rec); err == nil {
				if time.Since(rec.AcquiredAt) < expiry {
					return ErrAlreadyLeased
				}
			}
		}

		raw, err := json.Marshal(leaseRecord{ID: leaseID, AcquiredAt: time.Now()})
		if err != nil {
			return err
		}
		return sub.Put(leaseKey, raw)
	})
}

// ReleaseLease clears the single-flight lease for id.
func (d *DB) ReleaseLease(id stability.ChannelID) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(agreementBucket)
		sub := root.Bucket(channelBucketName(id))
		if sub == nil {
			return ErrNotFound
		}
		return sub.Delete(leaseKey)
	})
}

type leaseRecord struct {
	ID         string
	AcquiredAt time.Time
}
