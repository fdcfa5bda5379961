package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv() map[string]interface{} {
	return map[string]interface{}{
		"name":  "Ada",
		"count": 5,
		"ready": true,
		"items": []interface{}{"a", "b", "c"},
		"user": map[string]interface{}{
			"profile": map[string]interface{}{
				"email": "ada@example.com",
			},
			"tags": []interface{}{"admin", "ops"},
		},
		"inputs": map[string]interface{}{
			"topic": "golang",
		},
	}
}

func TestRender_PlainString(t *testing.T) {
	e := NewEngine()
	assert.Equal(t, "no templates here", e.Render("no templates here", testEnv()))
}

func TestRender_Interpolation(t *testing.T) {
	e := NewEngine()
	result := e.Render("hello {{ name }}, you have {{ count }} messages", testEnv())
	assert.Equal(t, "hello Ada, you have 5 messages", result)
}

func TestRender_SoleExpressionKeepsType(t *testing.T) {
	e := NewEngine()

	assert.Equal(t, 5, e.Render("{{ count }}", testEnv()))
	assert.Equal(t, true, e.Render("{{ ready }}", testEnv()))
	assert.Equal(t, []interface{}{"a", "b", "c"}, e.Render("{{ items }}", testEnv()))

	// surrounding text forces a string
	assert.Equal(t, "n=5", e.Render("n={{ count }}", testEnv()))
}

func TestRender_NestedPaths(t *testing.T) {
	e := NewEngine()

	assert.Equal(t, "ada@example.com", e.Render("{{ user.profile.email }}", testEnv()))
	assert.Equal(t, "admin", e.Render("{{ user.tags[0] }}", testEnv()))
	assert.Equal(t, "admin", e.Render("{{ user.tags.0 }}", testEnv()))
	assert.Equal(t, "golang", e.Render("{{ inputs.topic }}", testEnv()))
}

func TestRender_UndefinedIsNotAnError(t *testing.T) {
	e := NewEngine()

	// sole expression: undefined resolves to nil
	assert.Nil(t, e.Render("{{ a.b.c }}", testEnv()))
	assert.Nil(t, e.Render("{{ missing }}", testEnv()))

	// string context: undefined renders empty
	assert.Equal(t, "value: ", e.Render("value: {{ missing.deeply.nested }}", testEnv()))

	// non-integer index on an array is undefined
	assert.Nil(t, e.Render("{{ items.first }}", testEnv()))
}

func TestRender_Expressions(t *testing.T) {
	e := NewEngine()

	assert.Equal(t, 10, e.Render("{{ count * 2 }}", testEnv()))
	assert.Equal(t, true, e.Render("{{ count > 3 }}", testEnv()))
	assert.Equal(t, "ADA", e.Render("{{ upper(name) }}", testEnv()))
	assert.Equal(t, 3, e.Render("{{ length(items) }}", testEnv()))
}

func TestRender_PipeFilters(t *testing.T) {
	e := NewEngine()

	assert.Equal(t, "ADA", e.Render("{{ name | upper() }}", testEnv()))
	assert.Equal(t, "a,b,c", e.Render(`{{ items | join(",") }}`, testEnv()))
}

func TestRender_JqFilter(t *testing.T) {
	e := NewEngine()
	env := map[string]interface{}{
		"rows": []interface{}{
			map[string]interface{}{"id": 1, "name": "x"},
			map[string]interface{}{"id": 2, "name": "y"},
		},
	}

	result := e.Render(`{{ jq(rows, "[.[] | .name]") }}`, env)
	assert.Equal(t, []interface{}{"x", "y"}, result)
}

func TestRender_IfBlock(t *testing.T) {
	e := NewEngine()

	out := e.Render("{% if ready %}go{% else %}wait{% endif %}", testEnv())
	assert.Equal(t, "go", out)

	out = e.Render("{% if count > 100 %}big{% else %}small{% endif %}", testEnv())
	assert.Equal(t, "small", out)
}

func TestRender_ForBlock(t *testing.T) {
	e := NewEngine()

	out := e.Render("{% for x in items %}[{{ x }}]{% endfor %}", testEnv())
	assert.Equal(t, "[a][b][c]", out)
}

func TestRender_UnbalancedBlocksRenderLiterally(t *testing.T) {
	e := NewEngine()

	out := e.Render("{% if ready %}no end, name={{ name }}", testEnv())
	assert.Equal(t, "{% if ready %}no end, name=Ada", out)
}

func TestResolveValue_Recursive(t *testing.T) {
	e := NewEngine()

	input := map[string]interface{}{
		"message": "hi {{ name }}",
		"count":   "{{ count }}",
		"nested": map[string]interface{}{
			"emails": []interface{}{"{{ user.profile.email }}"},
		},
		"untouched": 42,
	}

	resolved, ok := e.ResolveValue(input, testEnv()).(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hi Ada", resolved["message"])
	assert.Equal(t, 5, resolved["count"])
	assert.Equal(t, 42, resolved["untouched"])

	nested := resolved["nested"].(map[string]interface{})
	assert.Equal(t, []interface{}{"ada@example.com"}, nested["emails"])
}

func TestResolveValue_DoesNotMutateInput(t *testing.T) {
	e := NewEngine()

	input := map[string]interface{}{"message": "hi {{ name }}"}
	_ = e.ResolveValue(input, testEnv())
	assert.Equal(t, "hi {{ name }}", input["message"])
}

func TestEvaluateCondition(t *testing.T) {
	e := NewEngine()
	env := testEnv()

	tests := []struct {
		condition string
		expected  bool
	}{
		{"", true},
		{"count > 3", true},
		{"count > 100", false},
		{"{{ count }} > 3", true},
		{"{{ count }} >= 5 && {{ ready }}", true},
		{"name == 'Ada'", true},
		{"name != 'Ada'", false},
		{"'admin' in user.tags", true},
		{"!ready", false},
		{"{{ ready }}", true},
		{"{{ missing }}", false},
		{"includes(items, 'b')", true},
		{"includes(items, 'z')", false},
	}

	for _, tt := range tests {
		result, err := e.EvaluateCondition(tt.condition, env)
		require.NoError(t, err, "condition %q", tt.condition)
		assert.Equal(t, tt.expected, result, "condition %q", tt.condition)
	}
}

func TestEvaluateCondition_MalformedReportsError(t *testing.T) {
	e := NewEngine()

	_, err := e.EvaluateCondition("count >>> 3", testEnv())
	assert.Error(t, err)
}

func TestEvaluatorCache(t *testing.T) {
	eval := NewEvaluator()
	env := map[string]interface{}{"x": 1}

	_, err := eval.Evaluate("x + 1", env)
	require.NoError(t, err)
	_, err = eval.Evaluate("x + 1", env)
	require.NoError(t, err)
	assert.Equal(t, 1, eval.CacheSize())

	eval.ClearCache()
	assert.Equal(t, 0, eval.CacheSize())
}

func TestToBoolCoercions(t *testing.T) {
	assert.False(t, ToBool(nil))
	assert.False(t, ToBool(""))
	assert.False(t, ToBool("false"))
	assert.False(t, ToBool(0))
	assert.False(t, ToBool([]interface{}{}))
	assert.True(t, ToBool("anything"))
	assert.True(t, ToBool(1))
	assert.True(t, ToBool([]interface{}{1}))
	assert.True(t, ToBool(map[string]interface{}{"a": 1}))
}

func TestToStringRendering(t *testing.T) {
	assert.Equal(t, "", ToString(nil))
	assert.Equal(t, "42", ToString(42))
	assert.Equal(t, "3.14", ToString(3.14))
	assert.Equal(t, "true", ToString(true))
	assert.Equal(t, `["a","b"]`, ToString([]interface{}{"a", "b"}))
}
