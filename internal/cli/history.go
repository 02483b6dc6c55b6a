package cli

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/bundled/internal/bundle"
	"github.com/roach88/bundled/internal/resource"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var db string

	cmd := &cobra.Command{
		Use:   "history <Type/id>",
		Short: "Show the version history of a resource",
		Long: `Print every stored version of a resource, newest first, including
deletions.

Examples:
  bundled history Patient/123 --db ./bundled.db
  bundled history Patient/123 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(rootOpts, db, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "SQLite path, postgres:// DSN or :memory: (overrides storage)")

	return cmd
}

func runHistory(opts *RootOptions, db, ref string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	ref = strings.Trim(ref, "/")
	if parts := strings.Split(ref, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return formatter.Fail(ExitCommandError, ErrCodeInput, fmt.Sprintf("invalid reference %q: expected Type/id", ref), nil)
	}

	b, err := openBackend(cmd.Context(), opts, db, cmd.ErrOrStderr())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error(), nil)
	}
	defer b.Close()

	env := bundle.NewEnvelope(bundle.ModeBatch, bundle.Entry{
		Request: &bundle.Request{Method: http.MethodGet, URL: ref + "/_history"},
	})
	resp, err := b.engine.Process(cmd.Context(), env, requestContext(b.cfg, "", ""))
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeRejected, err.Error(), nil)
	}
	entry := resp.Entry[0]
	if entry.Response.Outcome != nil {
		return formatter.Fail(ExitFailure, ErrCodeRejected, bundle.OutcomeDiagnostics(entry.Response.Outcome), entry.Response.Outcome)
	}
	return formatter.Result(entry.Resource, func(w io.Writer) {
		writeHistoryText(w, ref, entry.Resource)
	})
}

// writeHistoryText prints one line per version.
func writeHistoryText(w io.Writer, ref string, history resource.Resource) {
	entries, _ := history["entry"].([]any)
	fmt.Fprintf(w, "%s: %d version(s)\n", ref, len(entries))
	for _, raw := range entries {
		e, _ := raw.(map[string]any)
		req, _ := e["request"].(map[string]any)
		resp, _ := e["response"].(map[string]any)
		line := fmt.Sprintf("  %v %v %v", resp["etag"], req["method"], resp["lastModified"])
		if _, ok := e["resource"]; !ok {
			line += " (deleted)"
		}
		fmt.Fprintln(w, line)
	}
}
