package cmd

import (
	"encoding/json"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tsawler/repviz/cka"
	"github.com/tsawler/repviz/hooks"
)

var (
	compareKind string
	compareRows []string
	compareCols []string
	compareSave bool
)

var compareCmd = &cobra.Command{
	Use:   "compare <model1> <model2>",
	Short: "Compute linear CKA between two stored models",
	Long: `Compute the pairwise linear CKA matrix between the latest captures of two
stored bundles and print it as JSON. Cells that cannot be computed are null
and listed under failures.

Examples:
  repviz compare ffn_a ffn_b
  repviz compare ffn_a ffn_b --kind backward
  repviz compare ffn_a ffn_b --rows 2,6,10 --cols 2,6,10 --save`,
	Args: cobra.ExactArgs(2),
	RunE: runCompare,
}

func init() {
	rootCmd.AddCommand(compareCmd)

	compareCmd.Flags().StringVarP(&compareKind, "kind", "k", "forward", "Signal kind to compare (forward, backward, parameter)")
	compareCmd.Flags().StringSliceVar(&compareRows, "rows", nil, "Restrict and order the rows (names from model1)")
	compareCmd.Flags().StringSliceVar(&compareCols, "cols", nil, "Restrict and order the columns (names from model2)")
	compareCmd.Flags().BoolVar(&compareSave, "save", false, "Store the report as an artifact of model1")
}

func runCompare(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	kind, err := hooks.ParseSignalKind(compareKind)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}

	model1, model2 := args[0], args[1]
	b1, err := store.LoadBundle(model1)
	if err != nil {
		return err
	}
	b2, err := store.LoadBundle(model2)
	if err != nil {
		return err
	}

	report, err := cka.Compare(cmd.Context(), model1, b1, model2, b2, cka.CompareOptions{
		Options: cka.Options{Workers: cfg.Analysis.Workers},
		Kind:    kind,
		Rows:    compareRows,
		Cols:    compareCols,
	})
	if err != nil {
		return err
	}
	if compareSave {
		path, err := store.SaveSimilarity(report)
		if err != nil {
			return err
		}
		logger.Info("report saved", slog.String("path", path))
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
