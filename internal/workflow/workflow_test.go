package workflow

import (
	"testing"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/region"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Stages: config.StagesConfig{
			Research:  config.StageConfig{Column: "Research", Model: "research-model"},
			Plan:      config.StageConfig{Column: "Plan", Model: "plan-model"},
			Implement: config.StageConfig{Column: "Implement", Model: "implement-model"},
		},
	}
}

func TestBuildPoliciesAssignsLabelsAndRegions(t *testing.T) {
	p := BuildPolicies(testConfig())

	research := p[StageResearch]
	assert.Equal(t, model.LabelResearching, research.RunningLabel)
	assert.Equal(t, model.LabelResearchReady, research.CompletionLabel)
	assert.Equal(t, model.LabelResearchFailed, research.FailureLabel)
	assert.Equal(t, region.Research, research.Region)

	implement := p[StageImplement]
	assert.Equal(t, model.LabelImplementing, implement.RunningLabel)
	assert.Equal(t, "", implement.CompletionLabel, "implement completes via PR, not a label")
}

func TestForColumn(t *testing.T) {
	p := BuildPolicies(testConfig())

	policy, ok := p.ForColumn("Plan")
	require.True(t, ok)
	assert.Equal(t, StagePlan, policy.Stage)

	_, ok = p.ForColumn("Done")
	assert.False(t, ok)
}

func TestNextFollowsFixedOrder(t *testing.T) {
	n, ok := Next(StagePrepare)
	require.True(t, ok)
	assert.Equal(t, StageResearch, n)

	n, ok = Next(StageResearch)
	require.True(t, ok)
	assert.Equal(t, StagePlan, n)

	n, ok = Next(StagePlan)
	require.True(t, ok)
	assert.Equal(t, StageImplement, n)

	_, ok = Next(StageImplement)
	assert.False(t, ok, "implement has no successor stage")
}

func TestRunningLabelForUnsupportedStageErrors(t *testing.T) {
	p := BuildPolicies(testConfig())
	_, err := RunningLabelFor(p, StageProcessComments)
	require.Error(t, err)
}
