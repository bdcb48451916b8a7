package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/optisync/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// ScenarioReport holds the overall result.
type ScenarioReport struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file-or-dir>...",
		Short: "Run scripted mutation scenarios",
		Long: `Run YAML scenarios against an in-memory optimistic collection.

Each scenario issues mutations, injects realtime events and releases
commits in a chosen order, then checks its assertions. When a golden file
exists next to the scenario (golden/<name>.golden) the trace must match it
byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  optisync scenario ./scenarios
  optisync scenario ./scenarios --filter "rollback_*"
  optisync scenario ./scenarios --update`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	return cmd
}

func runScenarios(cmd *cobra.Command, opts *ScenarioOptions, args []string) error {
	var files []string
	for _, arg := range args {
		found, err := findScenarioFiles(arg, opts.Filter)
		if err != nil {
			return WrapExitError(ExitCommandError, "find scenarios", err)
		}
		files = append(files, found...)
	}

	w := cmd.OutOrStdout()
	report := ScenarioReport{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		res := runScenarioFile(file, opts.Update)
		report.Scenarios = append(report.Scenarios, res)
		if res.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
		if opts.Format != "json" {
			printScenarioResult(w, res, opts.Update)
		}
	}

	if opts.Format == "json" {
		status := "ok"
		if report.Failed > 0 {
			status = "error"
		}
		if err := json.NewEncoder(w).Encode(CLIResponse{Status: status, Data: report}); err != nil {
			return err
		}
	} else if report.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
	} else {
		fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", report.Passed, report.Failed, report.Total)
	}

	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", report.Failed))
	}
	return nil
}

// findScenarioFiles returns path itself when it is a file, or every YAML
// file below it when it is a directory. Golden directories are skipped.
func findScenarioFiles(path, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
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

func runScenarioFile(file string, update bool) ScenarioResult {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{Name: filepath.Base(file), Errors: []string{err.Error()}}
	}
	res := ScenarioResult{Name: scenario.Name}

	result, err := harness.Run(scenario)
	if err != nil {
		res.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return res
	}
	trace, err := harness.MarshalTrace(scenario.Name, result)
	if err != nil {
		res.Errors = []string{fmt.Sprintf("marshal trace: %v", err)}
		return res
	}

	golden := goldenFilePath(file)
	if update {
		if err := os.MkdirAll(filepath.Dir(golden), 0o755); err != nil {
			res.Errors = []string{err.Error()}
			return res
		}
		if err := os.WriteFile(golden, trace, 0o644); err != nil {
			res.Errors = []string{err.Error()}
			return res
		}
	} else if want, err := os.ReadFile(golden); err == nil {
		if !bytes.Equal(want, trace) {
			res.Errors = append(res.Errors, "trace does not match golden file (run with --update to regenerate)")
		}
	} else if !os.IsNotExist(err) {
		res.Errors = append(res.Errors, fmt.Sprintf("read golden file: %v", err))
	}

	res.Errors = append(res.Errors, result.Errors...)
	res.Pass = len(res.Errors) == 0
	return res
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile string) string {
	dir := filepath.Dir(scenarioFile)
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "golden", name+".golden")
}

func printScenarioResult(w io.Writer, res ScenarioResult, update bool) {
	if res.Pass {
		if update {
			fmt.Fprintf(w, "✓ %s (golden updated)\n", res.Name)
		} else {
			fmt.Fprintf(w, "✓ %s\n", res.Name)
		}
		return
	}
	fmt.Fprintf(w, "✗ %s\n", res.Name)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
