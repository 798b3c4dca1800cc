package sandbox

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestPermittedTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusStarting, StatusRunning, true},
		{StatusStarting, StatusError, true},
		{StatusStarting, StatusTerminated, false},
		{StatusRunning, StatusError, true},
		{StatusRunning, StatusTerminated, true},
		{StatusRunning, StatusStarting, false},
		{StatusError, StatusStarting, true},
		{StatusError, StatusTerminated, true},
		{StatusError, StatusRunning, false},
		{StatusTerminated, StatusStarting, false},
		{StatusTerminated, StatusRunning, false},
		{StatusTerminated, StatusError, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestSameStateTransitionIsNoop(t *testing.T) {
	for _, st := range []Status{StatusStarting, StatusRunning, StatusError, StatusTerminated} {
		rec := &Record{Status: st}
		require.NoError(t, rec.Transition(st, ""))
		require.Equal(t, st, rec.Status)
	}
}

func TestTransitionRecordsAndClearsError(t *testing.T) {
	rec := &Record{Status: StatusRunning}
	require.NoError(t, rec.Transition(StatusError, "container died"))
	require.Equal(t, "container died", rec.ErrorMessage)

	require.NoError(t, rec.Transition(StatusStarting, ""))
	require.Empty(t, rec.ErrorMessage)
}

func TestInvalidTransitionError(t *testing.T) {
	rec := &Record{Status: StatusTerminated}
	err := rec.Transition(StatusRunning, "")
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	require.Equal(t, StatusTerminated, ite.From)
	require.Equal(t, StatusRunning, ite.To)
	// The record is unchanged on a rejected transition.
	require.Equal(t, StatusTerminated, rec.Status)
}

func TestPredicates(t *testing.T) {
	require.True(t, StatusRunning.Usable())
	require.False(t, StatusStarting.Usable())
	require.True(t, StatusStarting.Active())
	require.True(t, StatusRunning.Active())
	require.False(t, StatusError.Active())
	require.True(t, StatusTerminated.Terminal())
	require.True(t, StatusError.Recoverable())
	require.False(t, StatusRunning.Recoverable())
}

// TestStateMachineClosure drives records through random transition sequences
// and checks the machine's global invariants.
func TestStateMachineClosure(t *testing.T) {
	statuses := []Status{StatusStarting, StatusRunning, StatusError, StatusTerminated}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("terminated is absorbing and the status set is closed", prop.ForAll(
		func(targets []int) bool {
			rec := &Record{Status: StatusStarting}
			for _, n := range targets {
				target := statuses[n%len(statuses)]
				allowed := rec.Status.CanTransition(target)
				prev := rec.Status
				err := rec.Transition(target, "x")
				if allowed != (err == nil) {
					return false
				}
				if err != nil && rec.Status != prev {
					return false
				}
				if !rec.Status.Valid() {
					return false
				}
				if prev == StatusTerminated && rec.Status != StatusTerminated {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(statuses)-1)),
	))

	properties.TestingRun(t)
}
