package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"

	"github.com/roach88/cellsync/internal/config"
	"github.com/roach88/cellsync/internal/harness"
	"github.com/roach88/cellsync/internal/store"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Database string // journal conflicts to this SQLite file
	Config   string // CUE engine configuration
	Filter   string // scenario filter (glob pattern)
	Dump     bool   // dump full results with litter
	Golden   bool   // compare against golden files
	Update   bool   // regenerate golden files
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name     string                           `json:"name"`
	File     string                           `json:"file"`
	Pass     bool                             `json:"pass"`
	Errors   []string                         `json:"errors,omitempty"`
	Trace    []harness.TraceEvent             `json:"trace"`
	Replicas map[string]*harness.ReplicaState `json:"replicas,omitempty"`
}

// SimulateResult holds the overall simulation result.
type SimulateResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml|dir>...",
		Short: "Run multi-replica conflict scenarios",
		Long: `Run YAML scenarios against in-memory replicas with all conflict
monitors attached, printing every conflict raised or resolved and
checking the scenario's assertions.

Directories are searched recursively for .yaml and .yml files.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, bad config, database errors)

Examples:
  cellsync simulate ./scenarios/move_collision.yaml
  cellsync simulate ./scenarios --filter "move_*" --db ./conflicts.db
  cellsync simulate ./scenarios --config ./engine.cue --dump
  cellsync simulate ./scenarios --golden --update`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "journal conflicts to a SQLite database")
	cmd.Flags().StringVar(&opts.Config, "config", "", "CUE engine configuration file")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().BoolVar(&opts.Dump, "dump", false, "dump full results")
	cmd.Flags().BoolVar(&opts.Golden, "golden", false, "compare against golden/<name>.golden next to each scenario")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files (implies --golden)")

	return cmd
}

func runSimulate(opts *SimulateOptions, paths []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	level := slog.LevelWarn
	var runOpts []harness.Option
	dbPath := opts.Database

	if opts.Config != "" {
		engine, err := config.Load(opts.Config)
		if err != nil {
			_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid configuration", err)
		}
		formatter.VerboseLog("Loaded configuration from %s (mode %s)", opts.Config, engine.Mode)
		runOpts = append(runOpts, harness.WithEngine(engine))
		level = engine.Level()
		if dbPath == "" {
			dbPath = engine.Journal
		}
	}
	runOpts = append(runOpts, harness.WithLogger(newLogger(opts.RootOptions, cmd.ErrOrStderr(), level)))

	if dbPath != "" {
		st, err := store.Open(dbPath)
		if err != nil {
			_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer st.Close()
		formatter.VerboseLog("Journaling conflicts to %s", dbPath)
		runOpts = append(runOpts, harness.WithStore(st))
	}

	var files []string
	for _, p := range paths {
		found, err := findScenarioFiles(p, opts.Filter)
		if err != nil {
			_ = formatter.Error(ErrCodeScenario, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to find scenarios", err)
		}
		files = append(files, found...)
	}

	result := SimulateResult{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	for _, file := range files {
		sr := simulateScenario(file, opts, runOpts, formatter)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, sr)
	}

	if opts.Dump {
		w := formatter.Writer
		if opts.Format == "json" {
			w = formatter.GetErrWriter()
		}
		fmt.Fprintln(w, litter.Options{HidePrivateFields: true}.Sdump(result))
	}

	if opts.Format == "json" {
		return outputSimulateJSON(formatter.Writer, result)
	}
	return outputSimulateText(formatter.Writer, result)
}

// findScenarioFiles returns path itself if it is a file, or every YAML file
// below it if it is a directory.
func findScenarioFiles(path string, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("scenario path not found: %s", path)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(p), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, p)
		return nil
	})
	return files, err
}

// simulateScenario loads and runs one scenario file and prints its trace in
// text mode.
func simulateScenario(file string, opts *SimulateOptions, runOpts []harness.Option, formatter *OutputFormatter) ScenarioResult {
	w := formatter.Writer
	text := opts.Format != "json"
	sr := ScenarioResult{Name: filepath.Base(file), File: file, Trace: []harness.TraceEvent{}}

	fail := func(msg string) ScenarioResult {
		sr.Pass = false
		sr.Errors = append(sr.Errors, msg)
		if text {
			fmt.Fprintf(w, "✗ %s\n", sr.Name)
			for _, e := range sr.Errors {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
		return sr
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return fail(fmt.Sprintf("failed to load scenario: %v", err))
	}
	sr.Name = scenario.Name
	formatter.VerboseLog("Running %s (%d replicas, %d steps)", scenario.Name, len(scenario.Replicas), len(scenario.Steps))

	result, err := harness.Run(scenario, append(runOpts, harness.WithIDPrefix(scenario.Name+"/"))...)
	if err != nil {
		return fail(fmt.Sprintf("execution failed: %v", err))
	}
	sr.Trace = result.Trace
	sr.Replicas = result.Replicas
	sr.Errors = slices.Clone(result.Errors)

	if text {
		for _, ev := range result.Trace {
			fmt.Fprintf(w, "  %s\n", formatEvent(ev))
		}
	}

	if opts.Golden || opts.Update {
		if msg := checkGolden(file, scenario.Name, result, opts.Update); msg != "" {
			return fail(msg)
		}
	}
	if !result.Pass {
		return fail(fmt.Sprintf("%d check(s) failed", len(result.Errors)))
	}

	sr.Pass = true
	if text {
		fmt.Fprintf(w, "✓ %s\n", scenario.Name)
	}
	return sr
}

// formatEvent renders a trace event on one line.
func formatEvent(ev harness.TraceEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %d: %s %s %s %s at %s", ev.Step, ev.Replica, ev.Monitor, ev.Kind, ev.Type, ev.Cell)
	if ev.Reason != "" {
		fmt.Fprintf(&b, " (%s)", ev.Reason)
	}
	if ev.RemoteUser != "" {
		fmt.Fprintf(&b, " vs %s", ev.RemoteUser)
	}
	return b.String()
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile string) string {
	dir := filepath.Dir(scenarioFile)
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "golden", name+".golden")
}

// checkGolden compares the run against its golden file, or rewrites the
// file when update is set. It returns a failure message or "".
func checkGolden(scenarioFile, name string, result *harness.Result, update bool) string {
	data, err := harness.MarshalSnapshot(name, result)
	if err != nil {
		return fmt.Sprintf("failed to marshal snapshot: %v", err)
	}
	path := goldenFilePath(scenarioFile)

	if update {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Sprintf("failed to create golden directory: %v", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Sprintf("failed to write golden file: %v", err)
		}
		return ""
	}

	want, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("failed to read golden file: %v", err)
	}
	if !bytes.Equal(bytes.TrimSpace(want), data) {
		return "golden file mismatch (run with --update to regenerate)"
	}
	return ""
}

// outputSimulateJSON outputs the simulation result as JSON.
func outputSimulateJSON(w io.Writer, result SimulateResult) error {
	response := CLIResponse{Status: "ok", Data: result}
	if result.Failed > 0 {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    ErrCodeAssertion,
			Message: fmt.Sprintf("%d scenario(s) failed", result.Failed),
		}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

// outputSimulateText outputs the simulation summary as text.
func outputSimulateText(w io.Writer, result SimulateResult) error {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return nil
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
