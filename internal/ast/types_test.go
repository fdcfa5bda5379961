package ast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func decodeSteps(t *testing.T, doc string) []*Step {
	t.Helper()
	var steps []*Step
	require.NoError(t, yaml.Unmarshal([]byte(doc), &steps))
	return steps
}

func TestStepUnmarshal_Action(t *testing.T) {
	steps := decodeSteps(t, `
- id: notify
  kind: action
  uses: slack.post_message
  with:
    channel: "#general"
    text: "{{ message }}"
  output: notify_result
  retry:
    max_retries: 3
    base_delay: 100ms
  timeout: 30s
`)

	require.Len(t, steps, 1)
	step := steps[0]
	assert.Equal(t, StepKindAction, step.Kind)
	require.NotNil(t, step.Action)
	assert.Equal(t, "slack.post_message", step.Action.Uses)
	assert.Equal(t, "#general", step.Action.With["channel"])
	assert.Equal(t, "notify_result", step.Output)
	require.NotNil(t, step.Retry)
	assert.Equal(t, 3, step.Retry.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, step.Retry.BaseDelay.Duration)
	assert.Equal(t, 30*time.Second, step.Timeout.Duration)
}

func TestStepUnmarshal_KindInference(t *testing.T) {
	steps := decodeSteps(t, `
- id: log_it
  uses: log.info
  with:
    message: hello
- id: guarded
  condition: "{{ count }} > 3"
  then:
    - id: inner
      uses: log.info
`)

	assert.Equal(t, StepKindAction, steps[0].Kind)
	assert.Equal(t, StepKindIf, steps[1].Kind)
	require.NotNil(t, steps[1].If)
	require.Len(t, steps[1].If.Then, 1)
	assert.Equal(t, "inner", steps[1].If.Then[0].ID)
}

func TestStepUnmarshal_IfStepsAlias(t *testing.T) {
	steps := decodeSteps(t, `
- id: check
  kind: if
  condition: "{{ ok }}"
  steps:
    - id: a
      uses: log.info
`)

	require.NotNil(t, steps[0].If)
	require.Len(t, steps[0].If.Then, 1)
	assert.Equal(t, "a", steps[0].If.Then[0].ID)
}

func TestStepUnmarshal_ForEach(t *testing.T) {
	steps := decodeSteps(t, `
- id: fan
  kind: for_each
  items: "{{ rows }}"
  item_variable: row
  batch_size: 10
  pause_between_batches: 250
  error_handling:
    action: continue
  steps:
    - id: body
      uses: log.info
`)

	fe := steps[0].ForEach
	require.NotNil(t, fe)
	assert.Equal(t, "{{ rows }}", fe.Items)
	assert.Equal(t, "row", fe.EffectiveItemVariable())
	assert.Equal(t, 10, fe.BatchSize)
	assert.Equal(t, 250, fe.PauseBetweenBatches)
	assert.Equal(t, "continue", fe.ErrorHandling.Action)
}

func TestStepUnmarshal_ParallelBranchNaming(t *testing.T) {
	steps := decodeSteps(t, `
- id: fanout
  kind: parallel
  max_concurrent: 2
  branches:
    - steps:
        - id: a
          uses: log.info
    - id: named
      steps:
        - id: b
          uses: log.info
`)

	par := steps[0].Parallel
	require.NotNil(t, par)
	require.Len(t, par.Branches, 2)
	assert.Equal(t, "branch0", par.Branches[0].ID)
	assert.Equal(t, "named", par.Branches[1].ID)
	assert.Equal(t, 2, par.MaxConcurrent)
}

func TestStepUnmarshal_WaitAndMerge(t *testing.T) {
	steps := decodeSteps(t, `
- id: pause
  kind: wait
  mode: form
  fields:
    name:
      type: string
      required: true
- id: combine
  kind: merge
  sources:
    - "{{ a }}"
    - "{{ b }}"
  mode: combine_by_field
  match_field: id
  on_conflict: keep_first
`)

	wait := steps[0].Wait
	require.NotNil(t, wait)
	assert.Equal(t, "form", wait.Mode)
	require.Contains(t, wait.Fields, "name")
	assert.True(t, wait.Fields["name"].Required)

	merge := steps[1].Merge
	require.NotNil(t, merge)
	assert.Equal(t, "combine_by_field", merge.Mode)
	assert.Equal(t, "id", merge.MatchField)
	assert.Equal(t, "keep_first", merge.OnConflict)
}

func TestStepUnmarshal_ConditionsScalarOrList(t *testing.T) {
	steps := decodeSteps(t, `
- id: one
  uses: log.info
  conditions: "{{ ready }}"
- id: two
  uses: log.info
  conditions:
    - "{{ ready }}"
    - "{{ count }} > 0"
`)

	assert.Equal(t, []string{"{{ ready }}"}, steps[0].Conditions)
	assert.Len(t, steps[1].Conditions, 2)
}

func TestStepUnmarshal_UnknownKind(t *testing.T) {
	var steps []*Step
	err := yaml.Unmarshal([]byte("- id: x\n  kind: teleport\n"), &steps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestInputParamShorthand(t *testing.T) {
	var inputs map[string]*InputParam
	require.NoError(t, yaml.Unmarshal([]byte(`
topic: string
count:
  type: number
  default: 3
  pattern: "^[0-9]+$"
`), &inputs))

	assert.Equal(t, "string", inputs["topic"].Type)
	assert.True(t, inputs["topic"].Required)
	assert.Equal(t, "number", inputs["count"].Type)
	assert.Equal(t, 3, inputs["count"].Default)
	assert.False(t, inputs["count"].Required)
}

func TestToolBindingArbitraryConfig(t *testing.T) {
	var tools map[string]*ToolBinding
	require.NoError(t, yaml.Unmarshal([]byte(`
slack:
  uses: slack
  default_channel: "#ops"
logger: log
`), &tools))

	assert.Equal(t, "slack", tools["slack"].Uses)
	assert.Equal(t, "#ops", tools["slack"].Config["default_channel"])
	assert.Equal(t, "log", tools["logger"].Uses)
}

func TestFindStepAndTopLevelIndex(t *testing.T) {
	steps := decodeSteps(t, `
- id: first
  uses: log.info
- id: outer
  kind: try
  try:
    - id: nested_wait
      kind: wait
      mode: webhook
`)
	wf := &Workflow{ID: "wf", Steps: steps}

	_, ok := wf.FindStep("nested_wait")
	assert.True(t, ok)

	idx, ok := wf.TopLevelIndexOf("nested_wait")
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = wf.TopLevelIndexOf("ghost")
	assert.False(t, ok)
}
