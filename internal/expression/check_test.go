package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckTemplate(t *testing.T) {
	testCases := []struct {
		name     string
		template string
		wantErr  bool
	}{
		{"plain text", "no templates here", false},
		{"path interpolation", "hello {{ name }}", false},
		{"nested path", "{{ steps.fetch.output }}", false},
		{"expression", "{{ length(items) > 3 }}", false},
		{"several interpolations", "{{ a }} and {{ b.c }}", false},
		{"balanced blocks", "{% if ready %}go{% else %}wait{% endif %}", false},
		{"broken expression", "{{ n + }}", true},
		{"unclosed braces", "{{ open", true},
		{"stray closing braces", "closed }}", true},
		{"unclosed block", "{% if ready %}go", true},
		{"dangling endfor", "{% endfor %}", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckTemplate(tc.template)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckExpression(t *testing.T) {
	testCases := []struct {
		name       string
		expression string
		wantErr    bool
	}{
		{"empty", "", false},
		{"comparison", "count > 10", false},
		{"bare path", "steps.fetch.output", false},
		{"helper call", `has(user, "name")`, false},
		{"templated", "{{ count > 10 }}", false},
		{"truncated", "count >", true},
		{"unbalanced braces", "{{ count", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckExpression(tc.expression)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
