package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAndRecordAccepts(t *testing.T) {
	cat := testCatalog(t)
	due := DueSet{"CNC Machine": {{Task: "Lubricate", RuntimeWhenDue: 100}}}
	runtimes := RuntimeSnapshot{"CNC Machine": 104.5}

	res := ValidateAndRecord([]AckPair{{Task: "lubricate", Machine: "cnc  MACHINE"}}, "ops@example.com", due, cat, runtimes, testNow)

	assert.Empty(t, res.Rejected)
	assert.Equal(t, []string{"Lubricate on CNC Machine"}, res.Accepted)
	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.Equal(t, "ops@example.com", rec.User)
	assert.Equal(t, "lubricate", rec.Task)
	assert.Equal(t, "cnc machine", rec.Machine)
	assert.Equal(t, testNow, rec.Timestamp)
	assert.Equal(t, 100.0, rec.RuntimeWhenDue)
	assert.Equal(t, KnownRuntime(104.5), rec.RuntimeAtCompletion)
}

func TestValidateAndRecordRejections(t *testing.T) {
	cat := testCatalog(t)
	due := DueSet{
		"CNC Machine": {{Task: "Lubricate", RuntimeWhenDue: 100}},
		"Motor":       {},
	}

	pairs := []AckPair{
		{Task: "Lubricate", Machine: "Forklift"},
		{Task: "Polish", Machine: "CNC Machine"},
		{Task: "Oil Change", Machine: "Motor"},
	}
	res := ValidateAndRecord(pairs, "ops@example.com", due, cat, RuntimeSnapshot{}, testNow)

	assert.Empty(t, res.Accepted)
	assert.Empty(t, res.Records)
	assert.Equal(t, []string{
		"Lubricate on Forklift - Invalid machine",
		"Polish on CNC Machine - Invalid task",
		"Oil Change on Motor - Not currently due",
	}, res.RejectedLines())
}

func TestValidateAndRecordRejectsTaskNotDueEvenIfValid(t *testing.T) {
	cat := testCatalog(t)
	res := ValidateAndRecord([]AckPair{{Task: "Drain Water", Machine: "Compressor"}}, "a", DueSet{}, cat, RuntimeSnapshot{"Compressor": 500}, testNow)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, ReasonNotDue, res.Rejected[0].Reason)
}

func TestValidateAndRecordUnknownRuntime(t *testing.T) {
	cat := testCatalog(t)
	due := DueSet{"Motor": {{Task: "Oil Change", RuntimeWhenDue: 40}}}
	res := ValidateAndRecord([]AckPair{{Task: "oil change", Machine: "motor"}}, "a", due, cat, RuntimeSnapshot{}, testNow)
	require.Len(t, res.Records, 1)
	assert.False(t, res.Records[0].RuntimeAtCompletion.Known)
}

// Known gap: the due-set is not updated while a batch is validated, so the
// same task acknowledged twice is recorded twice.
func TestValidateAndRecordDuplicateAckRecordsTwice(t *testing.T) {
	cat := testCatalog(t)
	due := DueSet{"Motor": {{Task: "Oil Change", RuntimeWhenDue: 40}}}
	pairs := []AckPair{
		{Task: "Oil Change", Machine: "Motor"},
		{Task: "oil change", Machine: "motor"},
	}
	res := ValidateAndRecord(pairs, "a", due, cat, RuntimeSnapshot{"Motor": 41}, testNow)
	assert.Len(t, res.Accepted, 2)
	assert.Len(t, res.Records, 2)
	assert.Empty(t, res.Rejected)
}
