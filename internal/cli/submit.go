package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/engine"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Database string
	Prefer   string
	Tenant   string
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <bundle.json|->",
		Short: "Process a bundle directly against the store",
		Long: `Process a batch or transaction bundle without starting a server.

The bundle is read from the named file, or from stdin when the argument
is "-". The response bundle is printed in the selected format.

Exit codes:
  0 - Bundle processed (batch entries may still have failed individually)
  1 - Bundle rejected or transaction aborted
  2 - Command error (unreadable file, bad config, unreachable store)

Examples:
  bundled submit tx.json --db ./bundled.db
  bundled submit - --db :memory: --prefer representation < tx.json
  bundled submit batch.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite path, postgres:// DSN or :memory: (overrides storage)")
	cmd.Flags().StringVar(&opts.Prefer, "prefer", "", "return preference (minimal|representation|OperationOutcome)")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant whose search vocabulary applies")

	return cmd
}

func runSubmit(opts *SubmitOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	data, err := readInput(cmd, path)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInput, err.Error(), nil)
	}
	env, err := bundle.DecodeEnvelope(data)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeInput, fmt.Sprintf("Unable to parse %s as a Bundle: %v", path, err), nil)
	}

	b, err := openBackend(cmd.Context(), opts.RootOptions, opts.Database, cmd.ErrOrStderr())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error(), nil)
	}
	defer b.Close()

	formatter.VerboseLog("Submitting %s with %d entries", env.Type, len(env.Entry))

	resp, err := b.engine.Process(cmd.Context(), env, requestContext(b.cfg, opts.Tenant, opts.Prefer))
	if err != nil {
		be := engine.AsBundleError(err)
		return formatter.Fail(ExitFailure, ErrCodeRejected, be.Message, be.Outcome())
	}
	return formatter.Result(resp, func(w io.Writer) {
		writeResponseText(w, resp)
	})
}

// readInput reads path, or stdin for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// writeResponseText prints one line per response entry.
func writeResponseText(w io.Writer, resp *bundle.Response) {
	fmt.Fprintf(w, "%s (%d entries)\n", resp.Type, len(resp.Entry))
	for i, e := range resp.Entry {
		line := fmt.Sprintf("entry[%d] %s", i, e.Response.Status)
		if e.Response.Location != "" {
			line += " " + e.Response.Location
		}
		if e.Response.Outcome != nil {
			line += ": " + bundle.OutcomeDiagnostics(e.Response.Outcome)
		}
		fmt.Fprintln(w, line)
	}
}
