// Package workflow describes the five fixed stages of the Research → Plan
// → Implement pipeline as static tagged-variant policies, rather than as
// dynamically dispatched stage objects (spec.md §9: "dynamic dispatch over
// workflow objects should become tagged variants over a small fixed set").
// Each Policy is plain data; the Engine interprets it, in contrast to the
// teacher's StageConfig-driven free-form pipeline where stage behavior
// varied by config alone with no closed set of kinds.
package workflow

import (
	"fmt"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/region"
)

// Stage identifies one of the five fixed workflow kinds.
type Stage string

const (
	StagePrepare         Stage = "prepare"
	StageResearch        Stage = "research"
	StagePlan            Stage = "plan"
	StageImplement       Stage = "implement"
	StageProcessComments Stage = "process_comments"
)

// Policy is the static description of one stage: what label marks it
// running, what labels mark its two outcomes, which marked region (if
// any) it writes, and what it asks the executor to do.
type Policy struct {
	Stage Stage

	// Column is the board column that triggers this stage via the
	// Reconciler's classification pass. Empty for Prepare and
	// ProcessComments, which are not column-bound (spec.md §4.3).
	Column string

	RunningLabel    string
	CompletionLabel string // "" for Implement, which completes via PR creation, not a label
	FailureLabel    string

	// Region is the marked region this stage's output is written into,
	// or "" if the stage doesn't write one (Implement and
	// ProcessComments write code/PRs, not regions).
	Region region.Kind

	Model          string
	Prompt         string
	TimeoutSeconds int
}

// Policies is the full fixed set, keyed by Stage.
type Policies map[Stage]Policy

// BuildPolicies assembles the policy table from configuration.
func BuildPolicies(cfg *config.Config) Policies {
	return Policies{
		StagePrepare: {
			Stage:          StagePrepare,
			Model:          cfg.Stages.Prepare.Model,
			Prompt:         cfg.Stages.Prepare.Prompt,
			TimeoutSeconds: cfg.Stages.Prepare.TimeoutSeconds,
		},
		StageResearch: {
			Stage:           StageResearch,
			Column:          cfg.Stages.Research.Column,
			RunningLabel:    model.LabelResearching,
			CompletionLabel: model.LabelResearchReady,
			FailureLabel:    model.LabelResearchFailed,
			Region:          region.Research,
			Model:           cfg.Stages.Research.Model,
			Prompt:          cfg.Stages.Research.Prompt,
			TimeoutSeconds:  cfg.Stages.Research.TimeoutSeconds,
		},
		StagePlan: {
			Stage:           StagePlan,
			Column:          cfg.Stages.Plan.Column,
			RunningLabel:    model.LabelPlanning,
			CompletionLabel: model.LabelPlanReady,
			FailureLabel:    model.LabelPlanFailed,
			Region:          region.Plan,
			Model:           cfg.Stages.Plan.Model,
			Prompt:          cfg.Stages.Plan.Prompt,
			TimeoutSeconds:  cfg.Stages.Plan.TimeoutSeconds,
		},
		StageImplement: {
			Stage:          StageImplement,
			Column:         cfg.Stages.Implement.Column,
			RunningLabel:   model.LabelImplementing,
			FailureLabel:   model.LabelImplementFailed,
			Model:          cfg.Stages.Implement.Model,
			Prompt:         cfg.Stages.Implement.Prompt,
			TimeoutSeconds: cfg.Stages.Implement.TimeoutSeconds,
		},
		StageProcessComments: {
			Stage:          StageProcessComments,
			Model:          cfg.Stages.ProcessComments.Model,
			Prompt:         cfg.Stages.ProcessComments.Prompt,
			TimeoutSeconds: cfg.Stages.ProcessComments.TimeoutSeconds,
		},
	}
}

// ForColumn returns the policy watching the given board column, and
// whether one exists.
func (p Policies) ForColumn(column string) (Policy, bool) {
	for _, stage := range []Stage{StageResearch, StagePlan, StageImplement} {
		policy := p[stage]
		if policy.Column != "" && policy.Column == column {
			return policy, true
		}
	}
	return Policy{}, false
}

// Next returns the stage that follows s in the fixed pipeline order, and
// whether one exists (Implement has no successor: it ends in review).
func Next(s Stage) (Stage, bool) {
	switch s {
	case StagePrepare:
		return StageResearch, true
	case StageResearch:
		return StagePlan, true
	case StagePlan:
		return StageImplement, true
	default:
		return "", false
	}
}

// RunningLabelFor returns the label that marks an issue as currently
// running a given stage, or an error if the stage has no running label
// (e.g. ProcessComments, which uses a reaction, not a label).
func RunningLabelFor(p Policies, s Stage) (string, error) {
	policy, ok := p[s]
	if !ok || policy.RunningLabel == "" {
		return "", fmt.Errorf("stage %s has no running label", s)
	}
	return policy.RunningLabel, nil
}
