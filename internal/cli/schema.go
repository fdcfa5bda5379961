package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/expression"
)

// SchemaOutput represents the combined output structure
type SchemaOutput struct {
	Schema    json.RawMessage        `json:"schema"`
	StepKinds []ast.StepKind         `json:"step_kinds"`
	Helpers   []expression.HelperDef `json:"helpers"`
}

// schemaCmd represents the schema command
var schemaCmd = &cobra.Command{
	Use:    "schema",
	Short:  "Output JSON schema and definitions",
	Long:   `Output the workflow document JSON schema, the step kinds and the expression helper definitions. Intended for editor tooling.`,
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		schemaBytes, err := ast.NewSchema()
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error generating schema: %v\n", err)
			os.Exit(1)
			return
		}

		output := SchemaOutput{
			Schema:    json.RawMessage(schemaBytes),
			StepKinds: ast.StepKinds(),
			Helpers:   expression.HelperDefs,
		}

		outputBytes, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error marshaling output: %v\n", err)
			os.Exit(1)
			return
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(outputBytes))
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
