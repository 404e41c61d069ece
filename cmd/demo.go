package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tsawler/repviz/api"
	"github.com/tsawler/repviz/artifacts"
	"github.com/tsawler/repviz/cka"
	"github.com/tsawler/repviz/config"
	"github.com/tsawler/repviz/export"
	"github.com/tsawler/repviz/faults"
	"github.com/tsawler/repviz/hooks"
	"github.com/tsawler/repviz/monitor"
	"github.com/tsawler/repviz/training"
)

var (
	demoEpochs     int
	demoServe      bool
	demoNoProgress bool
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Train the demo models and compare their representations",
	Long: `Train one feed-forward classifier per configured demo model on the same
synthetic dataset while a monitor captures activations, gradients and weight
snapshots. Each model's bundle, statistics, structure, predictions and
checkpoint are stored, the run is recorded in the index, and CKA reports are
computed between every pair of models.

With --serve the API runs during training, streams step events on /api/live
and keeps serving after the demo until interrupted.`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().IntVarP(&demoEpochs, "epochs", "e", 0, "Override the number of training epochs")
	demoCmd.Flags().BoolVar(&demoServe, "serve", false, "Serve the API while training and afterwards")
	demoCmd.Flags().BoolVar(&demoNoProgress, "no-progress", false, "Disable progress bars")
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if demoEpochs > 0 {
		cfg.Demo.Epochs = demoEpochs
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	index, err := artifacts.OpenIndex(cfg.IndexPath())
	if err != nil {
		return fmt.Errorf("failed to open run index: %w", err)
	}
	defer index.Close()

	d := &demo{
		cfg:      cfg,
		store:    store,
		index:    index,
		logger:   logger,
		out:      cmd.OutOrStdout(),
		progress: !demoNoProgress,
	}

	var serveErr chan error
	if demoServe {
		srv, err := newServer(cfg, store, index, logger)
		if err != nil {
			return err
		}
		if err := srv.Watch(ctx, cfg.Server.WatchDebounce); err != nil {
			logger.Warn("artifact watcher disabled", slog.String("error", err.Error()))
		}
		d.hub = srv.Hub()
		serveErr = make(chan error, 1)
		go func() { serveErr <- srv.Run(ctx) }()
	}

	results, reports, err := d.run(ctx)
	if err != nil {
		return err
	}
	printDemoSummary(d.out, results, reports)

	if serveErr != nil {
		fmt.Fprintf(d.out, "\nServing on http://%s (Ctrl+C to stop)\n", cfg.Server.Address())
		return <-serveErr
	}
	return nil
}

type demo struct {
	cfg      *config.Config
	store    *artifacts.Store
	index    *artifacts.Index
	hub      *api.Hub // nil unless serving
	logger   *slog.Logger
	out      io.Writer
	progress bool
}

type demoResult struct {
	Model         string
	Hidden        int
	Steps         int
	Loss          float64
	Accuracy      float64
	ProbeAccuracy float64
	Failures      int
	MACs          int64
	Bundle        *export.Bundle
	Path          string
}

// run trains every demo model and compares each pair. All models see the
// same dataset, and their final forward capture is a shared probe batch so
// the CKA reports compare representations of identical samples.
func (d *demo) run(ctx context.Context) ([]demoResult, []*cka.Report, error) {
	dc := d.cfg.Demo
	dataset, err := training.SyntheticClassification(dc.Samples, dc.Features, dc.Classes, rand.New(rand.NewSource(dc.Seed)))
	if err != nil {
		return nil, nil, err
	}
	probe, err := dataset.Head(dc.BatchSize)
	if err != nil {
		return nil, nil, err
	}

	results := make([]demoResult, 0, len(dc.Models))
	for i, name := range dc.Models {
		res, err := d.trainModel(ctx, i, name, dataset, probe)
		if err != nil {
			return nil, nil, fmt.Errorf("model %s: %w", name, err)
		}
		results = append(results, res)
	}

	var reports []*cka.Report
	for i := range results {
		for j := i + 1; j < len(results); j++ {
			a, b := results[i], results[j]
			report, err := cka.Compare(ctx, a.Model, a.Bundle, b.Model, b.Bundle, cka.CompareOptions{
				Options: cka.Options{Workers: d.cfg.Analysis.Workers},
				Kind:    hooks.ForwardOutput,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("cka %s vs %s: %w", a.Model, b.Model, err)
			}
			if _, err := d.store.SaveSimilarity(report); err != nil {
				return nil, nil, err
			}
			d.logger.Info("similarity computed",
				slog.String("model1", a.Model),
				slog.String("model2", b.Model),
				slog.Int("rows", len(report.Matrix.Rows)),
				slog.Int("cols", len(report.Matrix.Cols)),
				slog.Int("failures", len(report.Matrix.Failures)))
			reports = append(reports, report)
		}
	}
	return results, reports, nil
}

func (d *demo) trainModel(ctx context.Context, i int, name string, data, probe *training.Dataset) (demoResult, error) {
	dc := d.cfg.Demo
	hidden := dc.Hidden[i%len(dc.Hidden)]
	seed := dc.Seed + int64(i) + 1
	training.SetRandomSeed(seed)

	spec, err := training.FFNSpec(name, dc.BatchSize, dc.Features, hidden, dc.Classes, dc.Dropout)
	if err != nil {
		return demoResult{}, err
	}
	model, err := training.BuildSequential(spec)
	if err != nil {
		return demoResult{}, err
	}
	cost, err := spec.Complexity()
	if err != nil {
		return demoResult{}, err
	}

	sel, err := d.cfg.Selector()
	if err != nil {
		return demoResult{}, err
	}
	retention, err := d.cfg.Retention()
	if err != nil {
		return demoResult{}, err
	}
	logger := d.logger.With(slog.String("model", name))
	logger.Info("model built",
		slog.Int("hidden", hidden),
		slog.Int64("params", cost.Params),
		slog.Int64("macs_per_sample", cost.MACs))
	session := monitor.NewSession(name, model, monitor.Options{
		Selector:         sel,
		CaptureGradients: d.cfg.Capture.Gradients,
		Retention:        retention,
		Logger:           logger,
	})
	if d.hub != nil {
		detach := d.hub.Attach(session.Monitor)
		defer detach()
	}

	scheduler, err := training.ParseScheduler(dc.Scheduler, dc.Epochs)
	if err != nil {
		return demoResult{}, err
	}
	optimizer := training.NewAdam(model.Parameters(), dc.LearningRate, 0.9, 0.999, 1e-8, 0)
	loader := training.NewDataLoader(data, dc.BatchSize, true, rand.New(rand.NewSource(seed)))
	trainer := training.NewTrainer(model, optimizer, training.NewNLLLoss(), training.TrainingConfig{
		Epochs:       dc.Epochs,
		ShowProgress: d.progress,
		Output:       d.out,
		Scheduler:    scheduler,
	}, session.Monitor, logger)

	plan := monitor.Plan{WeightEvery: d.cfg.Capture.WeightEvery}
	err = session.Run(ctx, plan, func(ctx context.Context, m *monitor.Monitor) error {
		if err := trainer.Train(ctx, loader); err != nil {
			return err
		}
		err := m.Step(ctx, func(context.Context) error {
			// no backward pass here; stale gradients must not be recorded as this step's
			model.ZeroGrad()
			model.Eval()
			_, err := model.Forward(probe.Features)
			return err
		})
		if faults.HasCode(err, faults.CodeCaptureFailed) {
			logger.Warn("probe capture incomplete", slog.String("error", err.Error()))
			return nil
		}
		return err
	})
	if err != nil {
		return demoResult{}, err
	}

	m := session.Monitor
	bundle := m.Export()
	res := demoResult{
		Model:    name,
		Hidden:   hidden,
		Steps:    m.Steps(),
		Failures: m.Collector().FailureCount(),
		MACs:     cost.MACs,
		Bundle:   bundle,
		Loss:     math.NaN(),
	}
	bestLoss, bestAcc := math.Inf(1), 0.0
	for _, em := range trainer.GetMetrics() {
		res.Loss, res.Accuracy = em.TrainLoss, em.TrainAccuracy
		bestLoss = math.Min(bestLoss, em.TrainLoss)
		bestAcc = math.Max(bestAcc, em.TrainAccuracy)
	}

	// hooks are released by now, so this pass is not captured
	outputs, err := training.Predict(model, probe.Features)
	if err != nil {
		return demoResult{}, fmt.Errorf("prediction failed: %w", err)
	}
	predictions, err := export.BuildPredictions(name, outputs, probe.Labels)
	if err != nil {
		return demoResult{}, err
	}
	res.ProbeAccuracy = predictions.Accuracy

	if res.Path, err = d.store.SaveBundle(bundle); err != nil {
		return demoResult{}, err
	}
	saves := []struct {
		name string
		v    any
	}{
		{artifacts.NameStats, export.BuildStats(name, bundle, d.cfg.Analysis.HistogramBins)},
		{artifacts.NameStructure, export.BuildModelStructure(model, model)},
		{artifacts.NamePredictions, predictions},
	}
	for _, s := range saves {
		if _, err := d.store.Save(name, s.name, s.v); err != nil {
			return demoResult{}, err
		}
	}
	if math.IsInf(bestLoss, 1) {
		bestLoss = 0
	}
	_, err = d.store.SaveCheckpoint(name, &artifacts.Checkpoint{
		ModelSpec: spec,
		Weights:   artifacts.ExtractWeights(model.NamedParameters()),
		TrainingState: artifacts.TrainingState{
			Epoch:        dc.Epochs,
			Step:         res.Steps,
			LearningRate: dc.LearningRate,
			BestLoss:     bestLoss,
			BestAccuracy: bestAcc,
			TotalSteps:   res.Steps,
		},
		Metadata: artifacts.CheckpointMetadata{
			Description: fmt.Sprintf("demo FFN with hidden size %d", hidden),
			Tags:        []string{"demo"},
		},
	})
	if err != nil {
		return demoResult{}, err
	}

	_, err = d.index.Record(ctx, artifacts.Run{
		Model:  name,
		Format: d.store.Format().String(),
		Path:   res.Path,
		Mode:   bundle.Mode,
		Steps:  res.Steps,
		Layers: len(bundle.Names(hooks.ForwardOutput)),
	})
	if err != nil {
		return demoResult{}, fmt.Errorf("failed to record run: %w", err)
	}
	return res, nil
}

func printDemoSummary(w io.Writer, results []demoResult, reports []*cka.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tHIDDEN\tMACS\tSTEPS\tLOSS\tACCURACY\tPROBE ACC\tCAPTURE FAILURES")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.4f\t%.4f\t%.4f\t%d\n",
			r.Model, r.Hidden, r.MACs, r.Steps, r.Loss, r.Accuracy, r.ProbeAccuracy, r.Failures)
	}
	tw.Flush()

	for _, report := range reports {
		mean, cells := meanSimilarity(report.Matrix)
		fmt.Fprintf(w, "\nCKA %s vs %s: %d×%d, mean %.4f over %d cells, %d failed\n",
			report.Model1, report.Model2, len(report.Matrix.Rows), len(report.Matrix.Cols),
			mean, cells, len(report.Matrix.Failures))
	}
}

func meanSimilarity(m *cka.Matrix) (float64, int) {
	sum, n := 0.0, 0
	for _, row := range m.Values {
		for _, v := range row {
			if !math.IsNaN(v) {
				sum += v
				n++
			}
		}
	}
	if n == 0 {
		return math.NaN(), 0
	}
	return sum / float64(n), n
}
