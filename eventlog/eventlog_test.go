package eventlog_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/choiros/director/eventlog"
)

func TestNormalizeIdempotent(t *testing.T) {
	// Normalize must be idempotent: applying it twice equals applying it once.
	props := gopter.NewProperties(nil)
	props.Property("normalize is idempotent", prop.ForAll(
		func(raw string) bool {
			once := eventlog.Normalize(raw)
			twice := eventlog.Normalize(once)
			return once == twice
		},
		gen.OneConstOf("FILE_WRITE", "file/write", "NOTE/OBSERVATION", "tool_call_receipt", "RECEIPT/verifier", "note.status", ""),
	))
	props.TestingRun(t)
}

func TestNormalizeCanonicalForms(t *testing.T) {
	cases := map[string]string{
		"FILE_WRITE":           "file.write",
		"file/write":           "file.write",
		"NOTE/OBSERVATION":     "note.observation",
		"tool_call_receipt":    "receipt.tool.call",
		"RECEIPT/verifier":     "receipt.verifier",
		"note.status":          "note.status",
	}
	for raw, want := range cases {
		require.Equal(t, want, eventlog.Normalize(raw), "raw=%q", raw)
	}
}

func TestSubjectOfExactOrdering(t *testing.T) {
	eventlog.Namespace = "choiros"
	e := &eventlog.Event{UserID: "u1", Source: eventlog.SourceAgent, Type: "file.write"}
	require.Equal(t, "choiros.u1.agent.file.write", eventlog.SubjectOf(e))
}

func TestValidateRejectsNonCanonicalType(t *testing.T) {
	e := eventlog.NewEvent("u1", eventlog.SourceAgent, "FILE_WRITE", nil)
	e.Type = "FILE_WRITE" // simulate a producer bypassing NewEvent's normalization
	err := eventlog.Validate(e)
	require.Error(t, err)
	var cv *eventlog.ContractViolationError
	require.ErrorAs(t, err, &cv)
}

func TestValidateRejectsBadSource(t *testing.T) {
	e := eventlog.NewEvent("u1", eventlog.Source("robot"), "file.write", nil)
	require.Error(t, eventlog.Validate(e))
}

func TestRetentionPolicyNeverCrossesWatermark(t *testing.T) {
	p := eventlog.RetentionPolicy{MaxEvents: 10}
	// tip at 100, watermark (slowest unreplayed cursor) at 40: must not exceed 40.
	require.Equal(t, int64(40), p.CompactableUpTo(100, 0, 40))
}
