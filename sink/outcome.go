package sink

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sync"
)

// Outcome states for one processed record.
const (
	OutcomePending   = "pending"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeUnknown   = "unknown"
)

// OutcomeRecord is the externally observable result of processing one
// input record.
type OutcomeRecord struct {
	Key     string
	Status  string
	Kind    Kind
	Code    int
	Message string
}

// Terminal reports whether the outcome is final.
func (o OutcomeRecord) Terminal() bool {
	return o.Status != "" && o.Status != OutcomePending
}

// OutcomeLedger collects per-record outcomes across the batch and
// fallback paths. The last-known terminal outcome per key wins; a
// pending marker never replaces a terminal outcome, so re-submitting an
// already resolved group cannot corrupt the ledger.
type OutcomeLedger struct {
	mu       sync.Mutex
	outcomes map[string]OutcomeRecord
	order    []string
}

func NewOutcomeLedger() *OutcomeLedger {
	return &OutcomeLedger{outcomes: make(map[string]OutcomeRecord)}
}

// Record stores an outcome for its key, subject to terminal-wins semantics.
func (l *OutcomeLedger) Record(o OutcomeRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, exists := l.outcomes[o.Key]
	if !exists {
		l.order = append(l.order, o.Key)
	}
	if exists && existing.Terminal() && !o.Terminal() {
		return
	}
	l.outcomes[o.Key] = o
}

// Get returns the outcome for a key.
func (l *OutcomeLedger) Get(key string) (OutcomeRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, exists := l.outcomes[key]
	return o, exists
}

// Outcomes returns all outcomes in first-seen order.
func (l *OutcomeLedger) Outcomes() []OutcomeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	result := make([]OutcomeRecord, 0, len(l.order))
	for _, k := range l.order {
		result = append(result, l.outcomes[k])
	}
	return result
}

// MarkPendingInterrupted converts every non-terminal outcome to a failed
// interrupted outcome. Called when the drain deadline is exceeded so
// buffered records are never silently dropped.
func (l *OutcomeLedger) MarkPendingInterrupted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, k := range l.order {
		o := l.outcomes[k]
		if o.Terminal() {
			continue
		}
		o.Status = OutcomeFailed
		o.Kind = KindInterrupted
		o.Message = "sink shut down before the record reached a terminal state"
		l.outcomes[k] = o
		count++
	}
	return count
}

// Report summarises the ledger for the caller.
type Report struct {
	Succeeded int
	Failed    int
	Unknown   int
	Pending   int
	Outcomes  []OutcomeRecord
}

// Report builds a summary of all recorded outcomes.
func (l *OutcomeLedger) Report() Report {
	result := Report{Outcomes: l.Outcomes()}
	for _, o := range result.Outcomes {
		switch o.Status {
		case OutcomeSucceeded:
			result.Succeeded++
		case OutcomeFailed:
			result.Failed++
		case OutcomeUnknown:
			result.Unknown++
		default:
			result.Pending++
		}
	}
	return result
}

// FormatCSV formats the report as CSV, one row per record outcome.
func (r Report) FormatCSV() (string, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	// Write summary comment
	summary := fmt.Sprintf("# succeeded: %d failed: %d unknown: %d pending: %d",
		r.Succeeded, r.Failed, r.Unknown, r.Pending)
	if err := writer.Write([]string{summary}); err != nil {
		return "", err
	}

	headers := []string{"Email", "Outcome", "Error Kind", "Error Code", "Message"}
	if err := writer.Write(headers); err != nil {
		return "", err
	}

	for _, o := range r.Outcomes {
		code := ""
		if o.Code != 0 {
			code = fmt.Sprintf("%d", o.Code)
		}
		record := []string{o.Key, o.Status, string(o.Kind), code, o.Message}
		if err := writer.Write(record); err != nil {
			return "", err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}

	return buf.String(), nil
}
