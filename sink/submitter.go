package sink

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// BatchState is the lifecycle state of one submitted group.
type BatchState string

const (
	BatchBuilding  BatchState = "building"
	BatchSubmitted BatchState = "submitted"
	BatchPolling   BatchState = "polling"
	BatchCompleted BatchState = "completed"
	BatchFailed    BatchState = "failed"
)

// errPollDeadline marks a polling wait that exhausted its deadline.
var errPollDeadline = errors.New("bulk job polling deadline exceeded")

// OperationResult is one per-operation outcome from the bulk result set.
type OperationResult struct {
	StatusCode  int
	OperationID string
	Response    string
}

// BatchSubmitter submits one accumulated group as an asynchronous bulk
// job, polls the job to a terminal state with capped exponential
// backoff and resolves every member of the group into the outcome
// ledger. Each group gets its own submitter so a slow job never blocks
// ingestion of records bound for other groups.
type BatchSubmitter struct {
	MC     MailchimpFetcherAndUpdater
	Ledger *OutcomeLedger

	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration
	PollMaxWait         time.Duration

	mu    sync.Mutex
	state BatchState
}

// State returns the submitter's current lifecycle state.
func (s *BatchSubmitter) State() BatchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return BatchBuilding
	}
	return s.state
}

func (s *BatchSubmitter) setState(state BatchState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Submit runs the group through the full job lifecycle and records one
// outcome per member. It blocks until the job is terminal and is meant
// to run on its own goroutine.
func (s *BatchSubmitter) Submit(group BatchGroup, ctx context.Context) {
	log := s.MC.Logger()

	for _, e := range group.Entries {
		s.Ledger.Record(OutcomeRecord{Key: e.Key, Status: OutcomePending})
	}

	operations := s.buildOperations(group)
	if len(operations) == 0 {
		return
	}

	s.setState(BatchSubmitted)
	job, err := s.MC.SubmitBatch(operations, ctx)
	if err != nil {
		s.failAll(group, KindBatchSubmission, err)
		log.Error("bulk job submission rejected",
			zap.String("list_id", group.ListID), zap.Error(err))
		return
	}
	log.Info("bulk job submitted",
		zap.String("list_id", group.ListID),
		zap.String("job_id", job.ID),
		zap.Int("operations", len(operations)))

	s.setState(BatchPolling)
	job, err = s.poll(job, ctx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			s.failAllKindOnly(group, KindInterrupted, "sink shut down while the bulk job was in flight")
		case errors.Is(err, errPollDeadline):
			// The remote job may still complete later out-of-band; this
			// sink does not reconcile that case.
			s.failAll(group, KindBatchTimeout, err)
		default:
			s.failAll(group, KindBatchTimeout, fmt.Errorf("remote job state unknown: %w", err))
		}
		log.Error("bulk job did not reach a terminal state",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	results, err := s.MC.FetchBatchResults(job.ResponseBodyURL, ctx)
	if err != nil {
		// The job finished remotely but its results are unreadable, so
		// every member's outcome is unknown rather than failed.
		s.unknownAll(group, err)
		log.Error("bulk job results unavailable",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	s.resolve(group, results)
	s.setState(BatchCompleted)
	log.Info("bulk job completed",
		zap.String("job_id", job.ID),
		zap.Int("finished_operations", job.FinishedOperations),
		zap.Int("errored_operations", job.ErroredOperations))
}

// buildOperations serialises the group into the bulk-operation
// envelope: one upsert per member, keyed by its correlation key.
func (s *BatchSubmitter) buildOperations(group BatchGroup) []BatchOperation {
	operations := make([]BatchOperation, 0, len(group.Entries))
	for _, e := range group.Entries {
		body, err := e.Payload.Body()
		if err != nil {
			s.Ledger.Record(OutcomeRecord{
				Key:     e.Key,
				Status:  OutcomeFailed,
				Kind:    KindInvalidRecord,
				Message: err.Error(),
			})
			continue
		}
		operations = append(operations, BatchOperation{
			Method:      http.MethodPut,
			Path:        fmt.Sprintf("/lists/%s/members/%s", group.ListID, e.Payload.SubscriberHash()),
			OperationID: e.Key,
			Body:        string(body),
		})
	}
	return operations
}

// poll queries job status until it reports finished, backing off
// exponentially up to PollMaxInterval and giving up after PollMaxWait.
func (s *BatchSubmitter) poll(job BatchJob, ctx context.Context) (BatchJob, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.PollInitialInterval
	policy.MaxInterval = s.PollMaxInterval
	policy.MaxElapsedTime = s.PollMaxWait
	policy.Reset()

	for {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return job, errPollDeadline
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return job, ctx.Err()
		}

		current, err := s.MC.GetBatch(job.ID, ctx)
		if err != nil {
			return job, err
		}
		job = current
		if job.Status == BatchJobFinished {
			return job, nil
		}
	}
}

// resolve maps every per-operation outcome back to its member. Any
// correlation key submitted but absent from the result set is reported
// as unknown, never silently dropped.
func (s *BatchSubmitter) resolve(group BatchGroup, results []OperationResult) {
	byKey := make(map[string]OperationResult, len(results))
	for _, r := range results {
		byKey[r.OperationID] = r
	}

	for _, e := range group.Entries {
		r, exists := byKey[e.Key]
		if !exists {
			s.Ledger.Record(OutcomeRecord{
				Key:     e.Key,
				Status:  OutcomeUnknown,
				Kind:    KindUnknownOutcome,
				Message: "result set omitted the submitted operation",
			})
			continue
		}
		if r.StatusCode >= 200 && r.StatusCode < 300 {
			s.Ledger.Record(OutcomeRecord{Key: e.Key, Status: OutcomeSucceeded})
			continue
		}
		detail := gjson.Get(r.Response, "detail").String()
		if detail == "" {
			detail = gjson.Get(r.Response, "title").String()
		}
		s.Ledger.Record(OutcomeRecord{
			Key:     e.Key,
			Status:  OutcomeFailed,
			Kind:    KindRemoteUpsert,
			Code:    r.StatusCode,
			Message: detail,
		})
	}
}

func (s *BatchSubmitter) failAll(group BatchGroup, kind Kind, err error) {
	s.setState(BatchFailed)
	for _, e := range group.Entries {
		s.Ledger.Record(OutcomeRecord{
			Key:     e.Key,
			Status:  OutcomeFailed,
			Kind:    kind,
			Message: err.Error(),
		})
	}
}

func (s *BatchSubmitter) failAllKindOnly(group BatchGroup, kind Kind, message string) {
	s.setState(BatchFailed)
	for _, e := range group.Entries {
		s.Ledger.Record(OutcomeRecord{
			Key:     e.Key,
			Status:  OutcomeFailed,
			Kind:    kind,
			Message: message,
		})
	}
}

func (s *BatchSubmitter) unknownAll(group BatchGroup, err error) {
	s.setState(BatchFailed)
	for _, e := range group.Entries {
		s.Ledger.Record(OutcomeRecord{
			Key:     e.Key,
			Status:  OutcomeUnknown,
			Kind:    KindUnknownOutcome,
			Message: err.Error(),
		})
	}
}

// decodeBatchResults reads the gzipped tar archive served at the job's
// response body URL. Each regular file in the archive holds a JSON
// array of per-operation results.
func decodeBatchResults(r io.Reader) ([]OperationResult, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var results []OperationResult
	archive := tar.NewReader(gz)
	for {
		header, err := archive.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(archive)
		if err != nil {
			return nil, err
		}
		parsed := gjson.ParseBytes(data)
		if !parsed.IsArray() {
			continue
		}
		for _, item := range parsed.Array() {
			results = append(results, OperationResult{
				StatusCode:  int(item.Get("status_code").Int()),
				OperationID: item.Get("operation_id").String(),
				Response:    item.Get("response").String(),
			})
		}
	}
	return results, nil
}
