package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avennor/ensemble/pkg/schema"
)

func steps(ids ...string) []schema.StepDefinition {
	out := make([]schema.StepDefinition, len(ids))
	for i, id := range ids {
		out[i] = schema.StepDefinition{ID: id, Role: "writer", Input: "x"}
	}
	return out
}

func stepIDs(in []schema.StepDefinition) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = s.ID
	}
	return out
}

func TestParseOverrides_AddStep(t *testing.T) {
	text := "All done.\n[[ensemble:override]]\naction: add_step\nnew_step_id: S6\nrole: reviewer\nafter_step: S3\n[[/ensemble:override]]\nthanks"

	ovs := ParseOverrides(text, "S3")
	require.Len(t, ovs, 1)
	assert.Equal(t, ActionAddStep, ovs[0].Action)
	assert.Equal(t, "S6", ovs[0].NewStepID)
	assert.Equal(t, "reviewer", ovs[0].Role)
	assert.Equal(t, "S3", ovs[0].AfterStep)
	assert.Equal(t, "S3", ovs[0].Origin)
}

func TestParseOverrides_MultipleBlocks(t *testing.T) {
	text := "[[ensemble:override]]\naction: skip_step\ntarget_step_id: S4\n[[/ensemble:override]]" +
		"middle text" +
		"[[ensemble:override]]\naction: change_role\ntarget_step_id: S5\nnew_role: editor\n[[/ensemble:override]]"

	ovs := ParseOverrides(text, "S1")
	require.Len(t, ovs, 2)
	assert.Equal(t, ActionSkipStep, ovs[0].Action)
	assert.Equal(t, ActionChangeRole, ovs[1].Action)
}

func TestParseOverrides_MalformedBlocksIgnored(t *testing.T) {
	cases := []string{
		// unknown action
		"[[ensemble:override]]\naction: drop_table\ntarget_step_id: S1\n[[/ensemble:override]]",
		// missing action
		"[[ensemble:override]]\nnew_step_id: S6\nrole: r\n[[/ensemble:override]]",
		// add_step without role
		"[[ensemble:override]]\naction: add_step\nnew_step_id: S6\n[[/ensemble:override]]",
		// unterminated block
		"[[ensemble:override]]\naction: skip_step\ntarget_step_id: S1",
		// no block at all
		"plain text with no markers",
	}
	for _, text := range cases {
		assert.Empty(t, ParseOverrides(text, "S1"), "text: %s", text)
	}
}

func TestStripOverrides(t *testing.T) {
	text := "before [[ensemble:override]]\naction: skip_step\ntarget_step_id: S4\n[[/ensemble:override]] after"
	assert.Equal(t, "before  after", StripOverrides(text))

	assert.Equal(t, "untouched", StripOverrides("untouched"))
}

func TestApplyOverrides_AddAfterNamedStep(t *testing.T) {
	remaining := steps("S4", "S5")
	out := ApplyOverrides(remaining, []Override{{
		Action: ActionAddStep, Origin: "S3",
		NewStepID: "S6", Role: "reviewer", AfterStep: "S4",
	}}, nil)

	assert.Equal(t, []string{"S4", "S6", "S5"}, stepIDs(out))
	assert.Equal(t, "reviewer", out[1].Role)
}

func TestApplyOverrides_AddAppendsWhenAnchorGone(t *testing.T) {
	// Neither after_step nor origin are still pending.
	remaining := steps("S4", "S5")
	out := ApplyOverrides(remaining, []Override{{
		Action: ActionAddStep, Origin: "S3",
		NewStepID: "S6", Role: "reviewer", AfterStep: "S1",
	}}, nil)

	assert.Equal(t, []string{"S4", "S5", "S6"}, stepIDs(out))
}

func TestApplyOverrides_AddSkipsDuplicateID(t *testing.T) {
	remaining := steps("S4", "S5")
	out := ApplyOverrides(remaining, []Override{{
		Action: ActionAddStep, Origin: "S3",
		NewStepID: "S5", Role: "reviewer",
	}}, nil)

	assert.Equal(t, []string{"S4", "S5"}, stepIDs(out))
}

func TestApplyOverrides_SkipStep(t *testing.T) {
	remaining := steps("S4", "S5")
	out := ApplyOverrides(remaining, []Override{
		{Action: ActionSkipStep, TargetStepID: "S4", Origin: "S3"},
		{Action: ActionSkipStep, TargetStepID: "S9", Origin: "S3"}, // unknown: no-op
	}, nil)

	assert.Equal(t, []string{"S5"}, stepIDs(out))
}

func TestApplyOverrides_ChangeRole(t *testing.T) {
	remaining := steps("S4", "S5")
	out := ApplyOverrides(remaining, []Override{{
		Action: ActionChangeRole, TargetStepID: "S5", NewRole: "editor", Origin: "S3",
	}}, nil)

	assert.Equal(t, "editor", out[1].Role)
	assert.Equal(t, "writer", out[0].Role)
}
