package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cellsync/internal/cell"
	"github.com/roach88/cellsync/internal/store"
)

// ConflictsOptions holds flags for the conflicts command.
type ConflictsOptions struct {
	*RootOptions
	Database string
	Replica  string // optional - filter to one replica
	Open     bool   // only unresolved conflicts
}

// ConflictRow is one journaled conflict as printed by the CLI.
type ConflictRow struct {
	Seq        int64           `json:"seq"`
	ID         string          `json:"id"`
	Replica    string          `json:"replica"`
	Monitor    string          `json:"monitor"`
	Kind       string          `json:"kind"`
	Cell       string          `json:"cell"`
	RemoteUser string          `json:"remote_user,omitempty"`
	DetectedAt time.Time       `json:"detected_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// ConflictsResult holds the conflicts command output.
type ConflictsResult struct {
	Conflicts []ConflictRow `json:"conflicts"`
	Total     int           `json:"total"`
	Open      int           `json:"open"`
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List journaled conflicts",
		Long: `List the conflicts recorded in a SQLite journal, in detection order.

Examples:
  cellsync conflicts --db ./conflicts.db
  cellsync conflicts --db ./conflicts.db --replica alice --open
  cellsync conflicts --db ./conflicts.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Replica, "replica", "", "filter to one replica")
	cmd.Flags().BoolVar(&opts.Open, "open", false, "only list unresolved conflicts")

	return cmd
}

func runConflicts(opts *ConflictsOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	list := st.ListConflicts
	if opts.Open {
		list = st.OpenConflicts
	}
	entries, err := list(ctx, opts.Replica)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list conflicts", err)
	}

	result := ConflictsResult{Conflicts: make([]ConflictRow, 0, len(entries))}
	for _, e := range entries {
		result.Conflicts = append(result.Conflicts, ConflictRow{
			Seq:        e.Seq,
			ID:         e.ID,
			Replica:    e.Replica,
			Monitor:    e.Monitor,
			Kind:       string(e.Kind),
			Cell:       displayCell(e.Cell),
			RemoteUser: e.RemoteUser,
			DetectedAt: e.DetectedAt,
			ResolvedAt: e.ResolvedAt,
			Payload:    e.Payload,
		})
		if e.Open() {
			result.Open++
		}
	}
	result.Total = len(result.Conflicts)

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	return outputConflictsText(formatter, result)
}

// displayCell renders a stored cell key in A1 notation when it parses.
func displayCell(key string) string {
	addr, err := cell.ParseKey(key)
	if err != nil {
		return key
	}
	return addr.A1()
}

func outputConflictsText(formatter *OutputFormatter, result ConflictsResult) error {
	w := formatter.Writer
	if result.Total == 0 {
		fmt.Fprintln(w, "No conflicts found.")
		return nil
	}

	for _, c := range result.Conflicts {
		status := "open"
		if c.ResolvedAt != nil {
			status = "resolved " + c.ResolvedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "[%d] %s %s/%s %s at %s", c.Seq, c.ID, c.Replica, c.Monitor, c.Kind, c.Cell)
		if c.RemoteUser != "" {
			fmt.Fprintf(w, " vs %s", c.RemoteUser)
		}
		fmt.Fprintf(w, " (%s)\n", status)
		formatter.VerboseLog("    payload: %s", c.Payload)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d conflict(s), %d open\n", result.Total, result.Open)
	return nil
}
