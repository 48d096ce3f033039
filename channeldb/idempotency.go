package channeldb

import (
	"encoding/json"
	"time"

	bolt "github.com/coreos/bbolt"
)

// idempotencyBucket records the outcome of every payment attempt keyed by
// its idempotency key, so a crash between executing a payment and recording
// its outcome never results in the Stability Loop re-paying on retry
// (spec.md §4.4 Idempotency).
var idempotencyBucket = []byte("payment-idempotency-bucket")

// PaymentRecord is the durable outcome of one payment attempt.
type PaymentRecord struct {
	Key        string
	OutcomeTag string
	FeeSat     int64
	RecordedAt time.Time
}

// LookupPayment returns a previously recorded outcome for key, if any. The
// Payment Executor consults this before calling its outgoing transport so a
// retried key never results in a second payment (spec.md property P5's
// durable counterpart).
func (d *DB) LookupPayment(key string) (PaymentRecord, bool, error) {
	var rec PaymentRecord
	var found bool
	err := d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(idempotencyBucket)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	return rec, found, err
}

// RecordPayment durably stores the outcome of a payment attempt under its
// idempotency key. Once written, it is never overwritten: a duplicate
// RecordPayment call with the same key is a no-op returning the existing
// record's fields untouched.
func (d *DB) RecordPayment(rec PaymentRecord) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(idempotencyBucket)
		if b.Get([]byte(rec.Key)) != nil {
			return nil
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Key), raw)
	})
}
