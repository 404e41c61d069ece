package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tsawler/repviz/artifacts"
	"github.com/tsawler/repviz/export"
	"github.com/tsawler/repviz/faults"
	"github.com/tsawler/repviz/hooks"
)

var inspectJSON bool

var inspectCmd = &cobra.Command{
	Use:   "inspect [model]",
	Short: "List stored models, artifacts and runs",
	Long: `Without arguments, list every stored model with its artifacts and latest
run. With a model name, also show its recorded runs and the contents of its
bundle.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
}

// modelReport is the inspect output for one model.
type modelReport struct {
	Name        string              `json:"name"`
	Artifacts   []string            `json:"artifacts"`
	Runs        []artifacts.Run     `json:"runs,omitempty"`
	Mode        string              `json:"mode,omitempty"`
	Sections    map[string][]string `json:"sections,omitempty"`
	WeightSteps []int               `json:"weight_steps,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	index, err := artifacts.OpenIndex(cfg.IndexPath())
	if err != nil {
		return fmt.Errorf("failed to open run index: %w", err)
	}
	defer index.Close()

	models := args
	detailed := len(args) == 1
	if !detailed {
		if models, err = store.Models(); err != nil {
			return err
		}
	}

	reports := make([]modelReport, 0, len(models))
	for _, model := range models {
		names, err := store.Artifacts(model)
		if err != nil {
			return err
		}
		report := modelReport{Name: model, Artifacts: names}

		runs, err := index.List(cmd.Context(), model)
		if err != nil {
			return err
		}
		if !detailed && len(runs) > 1 {
			runs = runs[:1]
		}
		report.Runs = runs

		if detailed {
			b, err := store.LoadBundle(model)
			switch {
			case err == nil:
				describeBundle(&report, b)
			case !faults.HasCode(err, faults.CodeArtifactNotFound):
				return err
			}
		}
		reports = append(reports, report)
	}

	out := cmd.OutOrStdout()
	if inspectJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(reports)
	}
	if len(reports) == 0 {
		fmt.Fprintf(out, "No models stored in %s\n", store.Root())
		return nil
	}
	printModelReports(out, reports, detailed)
	return nil
}

func describeBundle(report *modelReport, b *export.Bundle) {
	report.Mode = b.Mode
	report.Sections = map[string][]string{}
	for _, kind := range []hooks.SignalKind{hooks.ForwardOutput, hooks.BackwardGradient, hooks.ParameterSnapshot, hooks.ParameterGradient} {
		if names := b.Names(kind); len(names) > 0 {
			report.Sections[export.SectionOf(kind)] = names
		}
	}
	for key := range b.WeightSnapshots {
		if step, err := export.ParseStepKey(key); err == nil {
			report.WeightSteps = append(report.WeightSteps, step)
		}
	}
	sort.Ints(report.WeightSteps)
}

func printModelReports(w io.Writer, reports []modelReport, detailed bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tARTIFACTS\tLAST RUN\tSTEPS\tMODE")
	for _, r := range reports {
		lastRun, steps, mode := "-", "-", r.Mode
		if len(r.Runs) > 0 {
			lastRun = r.Runs[0].CreatedAt.Format("2006-01-02 15:04:05")
			steps = fmt.Sprint(r.Runs[0].Steps)
			if mode == "" {
				mode = r.Runs[0].Mode
			}
		}
		if mode == "" {
			mode = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Name, strings.Join(r.Artifacts, ","), lastRun, steps, mode)
	}
	tw.Flush()

	if !detailed {
		return
	}
	for _, r := range reports {
		for _, section := range []string{export.SectionActivations, export.SectionGradients, export.SectionWeights, export.SectionGradSnapshots} {
			if names, ok := r.Sections[section]; ok {
				fmt.Fprintf(w, "\n%s (%d): %s\n", section, len(names), strings.Join(names, " "))
			}
		}
		if len(r.WeightSteps) > 0 {
			fmt.Fprintf(w, "\nweight snapshots at steps: %s\n", strings.Trim(fmt.Sprint(r.WeightSteps), "[]"))
		}
		if len(r.Runs) > 0 {
			fmt.Fprintf(w, "\nruns:\n")
			for _, run := range r.Runs {
				fmt.Fprintf(w, "  %s  %s  %d steps  %s\n", run.ID, run.CreatedAt.Format("2006-01-02 15:04:05"), run.Steps, run.Path)
			}
		}
	}
}
