package sink

import "fmt"

// Kind classifies a processing failure.
type Kind string

const (
	// KindInvalidRecord is a local validation failure scoped to one record.
	KindInvalidRecord Kind = "invalid_record"
	// KindSchemaProvision is a remote field or category creation failure,
	// affecting every payload that references the field in the current batch.
	KindSchemaProvision Kind = "schema_provision"
	// KindBatchSubmission is a whole-job submission rejection.
	KindBatchSubmission Kind = "batch_submission"
	// KindBatchTimeout means polling exceeded its deadline; the remote job
	// may still complete later out-of-band, which this sink does not
	// reconcile.
	KindBatchTimeout Kind = "batch_timeout"
	// KindUnknownOutcome means the bulk result set omitted a submitted key.
	KindUnknownOutcome Kind = "unknown_outcome"
	// KindRemoteUpsert is a per-record remote upsert failure.
	KindRemoteUpsert Kind = "remote_upsert"
	// KindInterrupted marks records still buffered or in flight when the
	// drain deadline was exceeded at shutdown.
	KindInterrupted Kind = "interrupted"
)

// RecordError is a record-scoped processing failure. It never aborts
// processing of sibling records.
type RecordError struct {
	Kind Kind
	Key  string
	Err  error
}

func (e *RecordError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Key, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

func invalidRecord(key string, format string, args ...interface{}) *RecordError {
	return &RecordError{Kind: KindInvalidRecord, Key: key, Err: fmt.Errorf(format, args...)}
}

// SchemaProvisionError is a failed remote merge field or interest
// category creation. It is cached for the remainder of the session and
// fails every payload that references the same logical key.
type SchemaProvisionError struct {
	FieldKey string
	Err      error
}

func (e *SchemaProvisionError) Error() string {
	return fmt.Sprintf("failed to provision %q: %v", e.FieldKey, e.Err)
}

func (e *SchemaProvisionError) Unwrap() error { return e.Err }
