package expression

// EvaluateCondition renders the condition text against the environment,
// then evaluates the rendered text as a boolean expression. An empty
// condition is true. Evaluation cannot escape into the host runtime; only
// the environment and the helper functions are visible.
func (e *Engine) EvaluateCondition(condition string, env map[string]interface{}) (bool, error) {
	if condition == "" {
		return true, nil
	}

	rendered := e.Render(condition, env)

	// A sole {{ expression }} already produced a typed value.
	text, isString := rendered.(string)
	if !isString {
		return ToBool(rendered), nil
	}
	if text == condition {
		// No templates were present; evaluate the text directly so
		// unqualified variable references keep their types.
		return e.evaluator.EvaluateBool(condition, env)
	}

	return e.evaluator.EvaluateBool(text, env)
}

// EvaluateExpression resolves an expression to its typed value, accepting
// the same forms as EvaluateCondition: a template, a bare expression, or
// a dotted path.
func (e *Engine) EvaluateExpression(expression string, env map[string]interface{}) (interface{}, error) {
	if expression == "" {
		return nil, nil
	}

	rendered := e.Render(expression, env)

	text, isString := rendered.(string)
	if !isString {
		return rendered, nil
	}
	if text == expression {
		return e.evaluator.Evaluate(expression, env)
	}
	return text, nil
}
