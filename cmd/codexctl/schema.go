package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/codexsdk/outputschema"
)

// codeReview is the sample structured answer printed by `schema`.
type codeReview struct {
	Summary  string          `json:"summary" jsonschema:"description=One paragraph overview of the change"`
	Verdict  string          `json:"verdict" jsonschema:"enum=approve,enum=request_changes,enum=comment"`
	Findings []reviewFinding `json:"findings"`
}

type reviewFinding struct {
	File     string `json:"file"`
	Message  string `json:"message"`
	Severity string `json:"severity" jsonschema:"enum=info,enum=warning,enum=error"`
	Line     int    `json:"line"`
}

var schemaExtract bool

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print a sample output schema (code review)",
	Long: `Print the JSON Schema for a sample code-review answer, suitable for
--output-schema. With --extract, read an agent's final message from stdin
and print the review decoded from it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if schemaExtract {
			text, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			review, err := outputschema.Extract[codeReview](string(text))
			if err != nil {
				return fmt.Errorf("extract review: %w", err)
			}
			return enc.Encode(review)
		}

		schema, err := outputschema.For[codeReview]()
		if err != nil {
			return err
		}
		return enc.Encode(schema)
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
	schemaCmd.Flags().BoolVar(&schemaExtract, "extract", false, "Decode a review from the agent text on stdin")
}
