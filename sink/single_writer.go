package sink

import (
	"context"

	"go.uber.org/zap"
)

// SingleWriter performs one synchronous remote upsert per record, used
// when batching is disabled or forced off. Each call is independent;
// failure of one record has no effect on others.
type SingleWriter struct {
	MC     MailchimpFetcherAndUpdater
	Ledger *OutcomeLedger
}

// Upsert writes one member and records its outcome.
func (w SingleWriter) Upsert(payload MemberPayload, ctx context.Context) OutcomeRecord {
	key := payload.CorrelationKey()

	_, apierr, err := w.MC.UpsertMember(payload, ctx)
	var outcome OutcomeRecord
	if err != nil {
		outcome = OutcomeRecord{
			Key:     key,
			Status:  OutcomeFailed,
			Kind:    KindRemoteUpsert,
			Code:    apierr.Status,
			Message: err.Error(),
		}
		w.MC.Logger().Warn("member upsert failed",
			zap.String("email", key), zap.Error(err))
	} else {
		outcome = OutcomeRecord{Key: key, Status: OutcomeSucceeded}
	}

	w.Ledger.Record(outcome)
	return outcome
}
