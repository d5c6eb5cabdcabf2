package lifecycle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDefinitionParses(t *testing.T) {
	def, err := Default()
	require.NoError(t, err)

	ids := make([]string, 0, len(def.Stages))
	for _, stage := range def.Stages {
		ids = append(ids, stage.ID)
	}
	assert.Equal(t, []string{
		"inbox", "design_draft", "design_approved", "planning_draft", "plan_approved",
		"tests_draft", "tests_approved", "ralph_loop", "code_review", "final_review", "done",
	}, ids)

	draft, ok := def.Stage("design_draft")
	require.True(t, ok)
	assert.Equal(t, "DESIGN.md", draft.Output, "output defaults to the first literal required pattern")

	approved, ok := def.Stage("design_approved")
	require.True(t, ok)
	assert.True(t, approved.IsGate())
	assert.Equal(t, []string{"DESIGN.md"}, approved.Locks)

	plan, ok := def.Stage("plan_approved")
	require.True(t, ok)
	require.NotNil(t, plan.FanOut)
	assert.Equal(t, "prd.json", plan.FanOut.Plan)

	assert.Equal(t, []string{"architect", "pm", "test-writer", "implementer", "reviewer"}, def.Actions())
}

func TestDefinitionNavigation(t *testing.T) {
	def, err := Default()
	require.NoError(t, err)

	next, ok := def.Next("design_draft")
	require.True(t, ok)
	assert.Equal(t, "design_approved", next.ID)

	_, ok = def.Next("done")
	assert.False(t, ok, "terminal stage has no successor")

	between := def.Between(def.Index("design_approved"), def.Index("plan_approved"))
	require.Len(t, between, 2)
	assert.Equal(t, "planning_draft", between[0].ID)
	assert.Equal(t, "plan_approved", between[1].ID)

	stage, ok := def.StageForAction("pm")
	require.True(t, ok)
	assert.Equal(t, "planning_draft", stage.ID)
}

func TestDefinitionTracksPatterns(t *testing.T) {
	def, err := Default()
	require.NoError(t, err)

	assert.True(t, def.Tracks("DESIGN.md"))
	assert.True(t, def.Tracks("tests/test_login.py"))
	assert.True(t, def.Tracks("src/pkg/handler.go"))
	assert.False(t, def.Tracks("notes/scratch.txt"))
	assert.False(t, def.Tracks("tests/helper.py"))
}

func TestParseDefinitionRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty": "",
		"gate with action": `
id: bad
stages:
  - {id: a, kind: gate, action: run}
  - {id: b, kind: gate, terminal: true}
`,
		"draft without action": `
id: bad
stages:
  - {id: a, kind: draft}
  - {id: b, kind: gate, terminal: true}
`,
		"duplicate stage": `
id: bad
stages:
  - {id: a, kind: gate}
  - {id: a, kind: gate, terminal: true}
`,
		"missing terminal": `
id: bad
stages:
  - {id: a, kind: gate}
  - {id: b, kind: gate}
`,
		"escaping pattern": `
id: bad
stages:
  - {id: a, kind: draft, action: x, required: ["../outside.md"]}
  - {id: b, kind: gate, terminal: true}
`,
		"forward rollback": `
id: bad
stages:
  - {id: a, kind: gate, rollback_to: [b]}
  - {id: b, kind: gate, terminal: true}
`,
		"auto advance into gate": `
id: bad
stages:
  - {id: a, kind: draft, action: x, auto_advance: true}
  - {id: b, kind: gate, terminal: true}
`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinitionYAML([]byte(payload))
			assert.Error(t, err)
		})
	}
}

func TestLoadDefinitionReaderNormalizesKinds(t *testing.T) {
	payload := `
id: mini
stages:
  - id: " write "
    kind: DRAFT
    action: writer
    required: [NOTES.md]
  - id: approve
    kind: Gate
    locks: [NOTES.md]
    terminal: true
`
	def, err := LoadDefinitionReader(strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "write", def.Stages[0].ID)
	assert.Equal(t, KindDraft, def.Stages[0].Kind)
	assert.Equal(t, KindGate, def.Stages[1].Kind)
	assert.Equal(t, "NOTES.md", def.Stages[0].Output)
}

func TestCloneIsDeep(t *testing.T) {
	def, err := Default()
	require.NoError(t, err)
	clone := def.Clone()
	clone.Stages[2].Locks[0] = "changed"
	clone.Stages[4].FanOut.Plan = "other.json"

	assert.Equal(t, "DESIGN.md", def.Stages[2].Locks[0])
	assert.Equal(t, "prd.json", def.Stages[4].FanOut.Plan)
}
