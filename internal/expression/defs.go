package expression

// HelperDef describes one helper function available in workflow
// expressions, consumed by editor tooling through the schema command.
type HelperDef struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Signature   string   `json:"signature"`
	Examples    []string `json:"examples"`
}

// HelperDefs documents every entry in helperFunctions. Keep the two in
// sync when adding a helper.
var HelperDefs = []HelperDef{
	{
		Name:        "has",
		Description: "Reports whether a map contains the given key.",
		Signature:   "has(map, key) bool",
		Examples:    []string{`{{ has(inputs, "region") }}`},
	},
	{
		Name:        "includes",
		Description: "Reports whether a list contains the given item.",
		Signature:   "includes(list, item) bool",
		Examples:    []string{`{{ includes(inputs.services, "api") }}`},
	},
	{
		Name:        "length",
		Description: "Returns the length of a string, list or map. Nil has length 0.",
		Signature:   "length(value) int",
		Examples:    []string{`{{ length(items) }}`},
	},
	{
		Name:        "coalesce",
		Description: "Returns the first argument that is neither nil nor the empty string.",
		Signature:   "coalesce(values...) any",
		Examples:    []string{`{{ coalesce(inputs.name, "anonymous") }}`},
	},
	{
		Name:        "jq",
		Description: "Applies a jq program to the value. One result is returned directly, several as a list.",
		Signature:   "jq(value, program) any",
		Examples:    []string{`{{ jq(response, ".items[].id") }}`},
	},
}
