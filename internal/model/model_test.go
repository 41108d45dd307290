package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueRefStringAndParseRoundTrip(t *testing.T) {
	ref := IssueRef{Host: "github.com", Owner: "kilnhq", Repo: "kiln", Number: 42}
	s := ref.String()
	assert.Equal(t, "github.com/kilnhq/kiln#42", s)

	parsed, err := ParseIssueRef(s)
	require.NoError(t, err)
	assert.Equal(t, ref, parsed)
}

func TestParseIssueRefErrors(t *testing.T) {
	cases := []string{
		"github.com/kilnhq/kiln",       // missing #number
		"github.com/kilnhq/kiln#abc",   // non-numeric number
		"github.com/kiln#7",            // wrong number of path segments
	}
	for _, c := range cases {
		_, err := ParseIssueRef(c)
		assert.Error(t, err, "expected error parsing %q", c)
	}
}

func TestIssueRefSlug(t *testing.T) {
	ref := IssueRef{Host: "github.com", Owner: "kilnhq", Repo: "kiln", Number: 42}
	assert.Equal(t, "kilnhq-kiln-42", ref.Slug())
}

func TestIssueHasLabel(t *testing.T) {
	issue := Issue{Labels: []string{LabelResearching, LabelYolo}}
	assert.True(t, issue.HasLabel(LabelResearching))
	assert.True(t, issue.HasLabel(LabelYolo))
	assert.False(t, issue.HasLabel(LabelPlanning))
}

func TestKilnManagedLabelsIncludesRunningAndTerminalLabels(t *testing.T) {
	managed := KilnManagedLabels()
	for _, want := range []string{
		LabelResearching, LabelPlanning, LabelImplementing,
		LabelReviewing, LabelCleanedUp,
		LabelResearchReady, LabelPlanReady,
		LabelResearchFailed, LabelPlanFailed, LabelImplementFailed,
	} {
		assert.Contains(t, managed, want)
	}
	assert.NotContains(t, managed, LabelReset)
	assert.NotContains(t, managed, LabelYolo)
}

func TestKilnManagedLabelsDoesNotAliasRunningLabels(t *testing.T) {
	managed := KilnManagedLabels()
	managed[0] = "mutated"
	assert.Equal(t, LabelResearching, RunningLabels[0], "KilnManagedLabels must copy, not alias, RunningLabels")
}
