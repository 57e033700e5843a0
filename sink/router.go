package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SinkPath identifies which processing path a record takes. The set is
// closed: path selection is a pure function of configuration and stream
// identity, never of the record's runtime shape.
type SinkPath int

const (
	// PathBatch transforms the record and buffers it for bulk submission.
	PathBatch SinkPath = iota
	// PathBatchPassThrough buffers the raw record for bulk submission.
	PathBatchPassThrough
	// PathFallback transforms the record and upserts it synchronously.
	PathFallback
	// PathFallbackPassThrough upserts the raw record synchronously.
	PathFallbackPassThrough
	// PathIgnore skips records from streams the sink does not handle.
	PathIgnore
)

// RoutePath is the routing decision function.
func RoutePath(processbatch bool, usefallback bool, streamname string) SinkPath {
	if !IsContactStream(streamname) {
		return PathIgnore
	}
	switch {
	case usefallback && processbatch:
		return PathFallback
	case usefallback:
		return PathFallbackPassThrough
	case processbatch:
		return PathBatch
	default:
		return PathBatchPassThrough
	}
}

// Transforms reports whether the path runs records through the member mapper.
func (p SinkPath) Transforms() bool {
	return p == PathBatch || p == PathFallback
}

// Batches reports whether the path buffers records for bulk submission.
func (p SinkPath) Batches() bool {
	return p == PathBatch || p == PathBatchPassThrough
}

// Sink routes incoming records between the batch and fallback paths,
// owns the per-audience accumulators and in-flight bulk jobs, and
// tracks per-record outcomes. The upstream stream delivers records one
// at a time via HandleRecord; bulk job polling runs on background
// goroutines so a slow job never stalls ingestion.
type Sink struct {
	*SinkContext
	MC     MailchimpFetcherAndUpdater
	Cache  *SchemaCache
	Mapper MemberMapper
	Ledger *OutcomeLedger
	Single SingleWriter

	mu           sync.Mutex
	accumulators map[string]*BatchAccumulator

	jobs       sync.WaitGroup
	jobsCtx    context.Context
	jobsCancel context.CancelFunc
}

// Option is a functional option for Open.
type Option func(*SinkContext)

// WithLogger sets the sink's logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *SinkContext) { s.Log = log }
}

// WithEndpoints overrides the API and OAuth metadata endpoints.
// Setting the API endpoint skips datacenter discovery.
func WithEndpoints(api string, metadata string) Option {
	return func(s *SinkContext) {
		s.APIEndpoint = api
		s.MetadataEndpoint = metadata
	}
}

// WithRecordRequests enables recording of outbound API requests.
func WithRecordRequests(record bool) Option {
	return func(s *SinkContext) { s.RecordRequests = record }
}

// Open validates the config, resolves the destination datacenter and
// audience, and returns a sink ready to receive records.
func Open(cfg Config, ctx context.Context, opts ...Option) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sc := &SinkContext{Config: cfg}
	for _, opt := range opts {
		opt(sc)
	}
	mc := MailchimpFetcherAndUpdater{sc}

	if sc.APIEndpoint == "" {
		dc, endpoint, err := mc.DiscoverDatacenter(ctx)
		if err != nil {
			return nil, err
		}
		sc.Datacenter = dc
		sc.APIEndpoint = endpoint
	}

	audience, err := mc.ResolveAudience(ctx)
	if err != nil {
		return nil, err
	}
	sc.ListID = audience.ID
	sc.ListName = audience.Name
	sc.Logger().Info("resolved destination audience",
		zap.String("list_id", audience.ID), zap.String("list_name", audience.Name))

	cache := NewSchemaCache(mc)
	ledger := NewOutcomeLedger()

	// Bulk jobs outlive individual HandleRecord calls; they are
	// cancelled only when the drain deadline is exceeded at shutdown.
	jobsCtx, jobsCancel := context.WithCancel(context.Background())

	return &Sink{
		SinkContext:  sc,
		MC:           mc,
		Cache:        cache,
		Mapper:       MemberMapper{Cache: cache, DefaultStatus: cfg.SubscribeStatus, Log: sc.Log},
		Ledger:       ledger,
		Single:       SingleWriter{MC: mc, Ledger: ledger},
		accumulators: map[string]*BatchAccumulator{},
		jobsCtx:      jobsCtx,
		jobsCancel:   jobsCancel,
	}, nil
}

// ResolveAudience selects the destination audience: a case-insensitive
// match on the configured list name, or the first audience returned by
// the API when no name is configured.
func (m MailchimpFetcherAndUpdater) ResolveAudience(ctx context.Context) (Audience, error) {
	audiences, err := m.ListAudiences(ctx)
	if err != nil {
		return Audience{}, err
	}
	if len(audiences) == 0 {
		return Audience{}, errors.New("the account has no audiences")
	}
	if m.Config.ListName == "" {
		return audiences[0], nil
	}
	for _, a := range audiences {
		if strings.EqualFold(a.Name, m.Config.ListName) {
			return a, nil
		}
	}
	return Audience{}, fmt.Errorf("no audience found with name %q", m.Config.ListName)
}

// HandleRecord processes one record delivered by the upstream stream.
// Record-scoped failures are collected into the outcome ledger and do
// not abort processing; only systemic failures return an error.
// Fallback upserts run synchronously inside this call, so per-identity
// ordering follows input order.
func (s *Sink) HandleRecord(streamname string, raw []byte, ctx context.Context) error {
	path := RoutePath(s.Config.ProcessBatchContacts, s.Config.UseFallbackSink, streamname)
	if path == PathIgnore {
		s.Logger().Warn("ignoring record from unhandled stream",
			zap.String("stream", streamname))
		return nil
	}

	var payload MemberPayload
	if path.Transforms() {
		record, err := ParseUnifiedRecord(raw)
		if err != nil {
			s.recordFailure(bestEffortKey(raw), invalidRecord(bestEffortKey(raw), "undecodable record: %v", err))
			return nil
		}
		payload, err = s.Mapper.Transform(record, ctx)
		if err != nil {
			s.recordFailure(strings.ToLower(strings.TrimSpace(record.Email)), err)
			return nil
		}
	} else {
		var err error
		payload, err = RawMemberPayload(raw, s.Config.SubscribeStatus)
		if err != nil {
			s.recordFailure(bestEffortKey(raw), invalidRecord(bestEffortKey(raw), "invalid raw payload: %v", err))
			return nil
		}
	}

	if !path.Batches() {
		s.Single.Upsert(payload, ctx)
		return nil
	}

	s.mu.Lock()
	acc, exists := s.accumulators[s.ListID]
	if !exists {
		acc = NewBatchAccumulator(s.ListID, s.Config.Batch.MaxItems, s.Config.Batch.MaxBytes)
		s.accumulators[s.ListID] = acc
	}
	err := acc.Enqueue(payload)
	var group *BatchGroup
	if err == nil {
		group = acc.FlushIfDue()
	}
	s.mu.Unlock()
	if err != nil {
		s.recordFailure(payload.CorrelationKey(), invalidRecord(payload.CorrelationKey(), "unserialisable payload: %v", err))
		return nil
	}
	if group != nil {
		s.submit(*group)
	}
	return nil
}

// HandleEndOfStream force-flushes every buffered group, awaits all
// in-flight bulk jobs and returns the final report. If the configured
// drain deadline (or the caller's context) expires first, outstanding
// jobs are cancelled and their records marked interrupted — buffered
// records are never silently dropped.
func (s *Sink) HandleEndOfStream(ctx context.Context) (Report, error) {
	s.mu.Lock()
	var groups []*BatchGroup
	for _, acc := range s.accumulators {
		if group := acc.Drain(); group != nil {
			groups = append(groups, group)
		}
	}
	s.mu.Unlock()
	for _, group := range groups {
		s.submit(*group)
	}

	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()

	var errs error
	select {
	case <-done:
	case <-time.After(s.Config.Batch.DrainDeadline):
		errs = multierr.Append(errs, errors.New("drain deadline exceeded"))
		s.jobsCancel()
		<-done
	case <-ctx.Done():
		errs = multierr.Append(errs, ctx.Err())
		s.jobsCancel()
		<-done
	}

	if interrupted := s.Ledger.MarkPendingInterrupted(); interrupted > 0 {
		s.Logger().Warn("records interrupted at shutdown", zap.Int("count", interrupted))
	}

	report := s.Ledger.Report()
	s.Logger().Info("sink drained",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("unknown", report.Unknown))
	return report, errs
}

// submit hands a group to its own submitter goroutine.
func (s *Sink) submit(group BatchGroup) {
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		submitter := &BatchSubmitter{
			MC:                  s.MC,
			Ledger:              s.Ledger,
			PollInitialInterval: s.Config.Batch.PollInitialInterval,
			PollMaxInterval:     s.Config.Batch.PollMaxInterval,
			PollMaxWait:         s.Config.Batch.PollMaxWait,
		}
		submitter.Submit(group, s.jobsCtx)
	}()
}

// recordFailure maps a processing error onto the outcome ledger.
func (s *Sink) recordFailure(key string, err error) {
	outcome := OutcomeRecord{Key: key, Status: OutcomeFailed, Message: err.Error()}

	var recordErr *RecordError
	var provisionErr *SchemaProvisionError
	switch {
	case errors.As(err, &recordErr):
		outcome.Kind = recordErr.Kind
		if recordErr.Key != "" {
			outcome.Key = recordErr.Key
		}
	case errors.As(err, &provisionErr):
		outcome.Kind = KindSchemaProvision
	default:
		outcome.Kind = KindInvalidRecord
	}

	if outcome.Key == "" {
		// A record with no usable identity still must not vanish from
		// the ledger; key it by its position instead.
		outcome.Key = fmt.Sprintf("(record %d)", len(s.Ledger.Outcomes())+1)
	}
	s.Ledger.Record(outcome)
	s.Logger().Warn("record failed",
		zap.String("key", outcome.Key),
		zap.String("kind", string(outcome.Kind)),
		zap.String("reason", outcome.Message))
}

// bestEffortKey extracts an identity from a raw record for error
// reporting, trying both the unified and member field names.
func bestEffortKey(raw []byte) string {
	if email := gjson.GetBytes(raw, "email").String(); email != "" {
		return strings.ToLower(email)
	}
	return strings.ToLower(gjson.GetBytes(raw, "email_address").String())
}
