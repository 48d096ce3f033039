package daemon

import (
	"github.com/toneloc/stable-channels/channeldb"
	"github.com/toneloc/stable-channels/payexec"
)

// paymentStore adapts *channeldb.DB to payexec.Store. payexec deliberately
// defines its own PaymentRecord shape rather than importing channeldb (see
// payexec.PaymentRecord's doc comment), so this is the seam that converts
// between the two at the one place they actually meet.
type paymentStore struct {
	db *channeldb.DB
}

func (s paymentStore) LookupPayment(key string) (payexec.PaymentRecord, bool, error) {
	rec, found, err := s.db.LookupPayment(key)
	if err != nil || !found {
		return payexec.PaymentRecord{}, found, err
	}
	return payexec.PaymentRecord{
		Key:        rec.Key,
		OutcomeTag: rec.OutcomeTag,
		FeeSat:     rec.FeeSat,
		RecordedAt: rec.RecordedAt,
	}, true, nil
}

func (s paymentStore) RecordPayment(rec payexec.PaymentRecord) error {
	return s.db.RecordPayment(channeldb.PaymentRecord{
		Key:        rec.Key,
		OutcomeTag: rec.OutcomeTag,
		FeeSat:     rec.FeeSat,
		RecordedAt: rec.RecordedAt,
	})
}
