package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to AlertState
		ok       bool
	}{
		{StateRaised, StateEscalating, true},
		{StateRaised, StateSuppressed, true},
		{StateCorrelated, StateEscalating, true},
		{StateSuppressed, StateEscalating, true},
		{StateEscalating, StateAcknowledged, true},
		{StateEscalating, StateSuppressed, true},
		{StateAcknowledged, StateResolved, true},
		{StateAcknowledged, StateEscalating, false},
		{StateEscalating, StateRaised, false},
		{StateSuppressed, StateAcknowledged, false},
		{StateResolved, StateRaised, false},
		{StateResolved, StateResolved, false},
		{StateEscalating, StateEscalating, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCheckTransitionWrapsViolation(t *testing.T) {
	err := CheckTransition("cpu:threshold", StateResolved, StateEscalating)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStateViolation))
	assert.Contains(t, err.Error(), "cpu:threshold")

	assert.NoError(t, CheckTransition("cpu:threshold", StateRaised, StateResolved))
}

func TestGroupMembersSortedAndCloneIndependent(t *testing.T) {
	g := CorrelationGroup{MemberAlertIDs: map[string]bool{"c": true, "a": true, "b": true}}
	assert.Equal(t, []string{"a", "b", "c"}, g.Members())

	clone := g.Clone()
	clone.MemberAlertIDs["d"] = true
	assert.Len(t, g.MemberAlertIDs, 3)
}

func TestSeverityRank(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityWarning.Rank())
	assert.Equal(t, 0, Severity("").Rank())
}
