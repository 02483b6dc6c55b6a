package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/engine"
)

// ValidationProblem is one finding of the validate command.
type ValidationProblem struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Mode     string              `json:"mode,omitempty"`
	Entries  int                 `json:"entries"`
	Problems []ValidationProblem `json:"problems,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "validate <bundle.json|->",
		Short: "Check a bundle without executing it",
		Long: `Check a bundle's structure, routing, body types, search criteria and
resource bodies without touching any store.

Every problem is reported, not only the first. Index -1 marks a problem
with the envelope itself.

Exit codes:
  0 - Bundle is valid
  1 - One or more problems found
  2 - Command error (unreadable file, bad config)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], tenant, cmd)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant whose search vocabulary applies")

	return cmd
}

func runValidate(opts *RootOptions, path, tenant string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	data, err := readInput(cmd, path)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInput, err.Error(), nil)
	}
	env, err := bundle.DecodeEnvelope(data)
	if err != nil {
		return outputValidationProblems(formatter, ValidationResult{
			Problems: []ValidationProblem{{
				Index:   engine.NoIndex,
				Kind:    string(engine.ErrKindEnvelopeStructure),
				Message: err.Error(),
			}},
		})
	}

	// Checking never writes, so a throwaway memory store is enough.
	b, err := openBackend(cmd.Context(), opts, memoryPath, cmd.ErrOrStderr())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err.Error(), nil)
	}
	defer b.Close()

	formatter.VerboseLog("Checking %d entries", len(env.Entry))

	result := ValidationResult{Mode: string(env.Type), Entries: len(env.Entry)}
	for _, be := range b.engine.Check(env, requestContext(b.cfg, tenant, "")) {
		result.Problems = append(result.Problems, ValidationProblem{
			Index:   be.Index,
			Kind:    string(be.Kind),
			Message: be.Message,
		})
	}
	if len(result.Problems) > 0 {
		return outputValidationProblems(formatter, result)
	}

	result.Valid = true
	return formatter.Result(result, func(w io.Writer) {
		fmt.Fprintf(w, "\u2713 Bundle valid (%s, %d entries)\n", result.Mode, result.Entries)
	})
}

// outputValidationProblems reports every problem and returns exit code 1.
func outputValidationProblems(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		err := formatter.encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    ErrCodeInvalid,
				Message: result.Problems[0].Message,
			},
		})
		if err != nil {
			return err
		}
	} else {
		fmt.Fprintln(formatter.Writer, "\u2717 Validation failed")
		fmt.Fprintln(formatter.Writer)
		for _, p := range result.Problems {
			if p.Index != engine.NoIndex {
				fmt.Fprintf(formatter.Writer, "entry[%d]\n", p.Index)
			}
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", p.Kind, p.Message)
		}
	}

	// Validation failures = exit code 1
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d problem(s)", len(result.Problems)))
}
