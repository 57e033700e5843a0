package sink

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerTerminalWins(t *testing.T) {
	ledger := NewOutcomeLedger()

	ledger.Record(OutcomeRecord{Key: "ada@example.org", Status: OutcomePending})
	ledger.Record(OutcomeRecord{Key: "ada@example.org", Status: OutcomeSucceeded})
	// A later pending marker, e.g. from re-submitting an already resolved
	// group, must not erase the terminal outcome.
	ledger.Record(OutcomeRecord{Key: "ada@example.org", Status: OutcomePending})

	outcome, exists := ledger.Get("ada@example.org")
	require.True(t, exists)
	assert.Equal(t, OutcomeSucceeded, outcome.Status)
}

func TestLedgerPreservesFirstSeenOrder(t *testing.T) {
	ledger := NewOutcomeLedger()
	ledger.Record(OutcomeRecord{Key: "b@example.org", Status: OutcomePending})
	ledger.Record(OutcomeRecord{Key: "a@example.org", Status: OutcomePending})
	ledger.Record(OutcomeRecord{Key: "b@example.org", Status: OutcomeSucceeded})

	outcomes := ledger.Outcomes()
	require.Len(t, outcomes, 2)
	assert.Equal(t, "b@example.org", outcomes[0].Key)
	assert.Equal(t, "a@example.org", outcomes[1].Key)
}

func TestLedgerMarkPendingInterrupted(t *testing.T) {
	ledger := NewOutcomeLedger()
	ledger.Record(OutcomeRecord{Key: "a@example.org", Status: OutcomeSucceeded})
	ledger.Record(OutcomeRecord{Key: "b@example.org", Status: OutcomePending})

	assert.Equal(t, 1, ledger.MarkPendingInterrupted())

	outcome, _ := ledger.Get("b@example.org")
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, KindInterrupted, outcome.Kind)
	outcome, _ = ledger.Get("a@example.org")
	assert.Equal(t, OutcomeSucceeded, outcome.Status)
}

func TestReportCountsAndCSV(t *testing.T) {
	ledger := NewOutcomeLedger()
	ledger.Record(OutcomeRecord{Key: "a@example.org", Status: OutcomeSucceeded})
	ledger.Record(OutcomeRecord{Key: "b@example.org", Status: OutcomeFailed, Kind: KindRemoteUpsert, Code: 400, Message: "upsert rejected"})
	ledger.Record(OutcomeRecord{Key: "c@example.org", Status: OutcomeUnknown, Kind: KindUnknownOutcome})

	report := ledger.Report()
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Unknown)
	assert.Equal(t, 0, report.Pending)

	out, err := report.FormatCSV()
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "succeeded: 1 failed: 1 unknown: 1")
	assert.Contains(t, lines[1], "Email")
	assert.Contains(t, lines[2], "a@example.org")
	assert.Contains(t, lines[3], "400")
}
