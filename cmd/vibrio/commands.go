package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ayusman/vibrio/internal/apperr"
	"github.com/ayusman/vibrio/internal/config"
	"github.com/ayusman/vibrio/internal/dataset"
	"github.com/ayusman/vibrio/internal/engine"
	"github.com/ayusman/vibrio/internal/metrics"
	"github.com/ayusman/vibrio/internal/migrate"
	"github.com/ayusman/vibrio/internal/server"
)

const defaultNumSamples = 10

// CreateSamplesCommand returns the command that materializes synthetic samples.
func CreateSamplesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-samples",
		Short: "Create the dataset layout and write synthetic sample images with labels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := numSamples(cmd.Flags())
			if err != nil {
				return err
			}
			env, err := opts.open()
			if err != nil {
				return err
			}
			defer env.Close()

			counts, err := env.app.CreateSamples(n)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created %d sample images per split in %s\n", n, env.cfg.DatasetDir)
			fmt.Fprintf(out, "Images: train %d, val %d, total %d\n", counts.Train, counts.Val, counts.Total)
			return nil
		},
	}
	cmd.Flags().Int("num-samples", defaultNumSamples, "Number of sample images to create")
	return cmd
}

// TrainCommand returns the command that writes the descriptor and trains from
// the pretrained weights.
func TrainCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Write the dataset descriptor and train the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			n, err := numSamples(fs)
			if err != nil {
				return err
			}
			env, err := opts.open()
			if err != nil {
				return err
			}
			defer env.Close()

			out := cmd.OutOrStdout()

			if create, _ := fs.GetBool("create-samples"); create {
				if _, err := env.app.CreateSamples(n); err != nil {
					return err
				}
				fmt.Fprintf(out, "Created %d sample images per split\n", n)
			}

			if err := env.app.PrepareDataset(); err != nil {
				return err
			}
			fmt.Fprintf(out, "Dataset descriptor written to %s\n", env.cfg.DatasetYAML)

			params := env.cfg.TrainingParameters()
			params.Epochs = changedInt(fs, "epochs", params.Epochs)
			params.BatchSize = changedInt(fs, "batch-size", params.BatchSize)
			params.ImageSize = changedInt(fs, "image-size", params.ImageSize)
			params.ConfidenceThreshold = changedFloat(fs, "conf", params.ConfidenceThreshold)

			summary, err := env.app.Train(cmd.Context(), params)
			if err != nil {
				return err
			}

			fmt.Fprintln(out, "Training completed successfully!")
			if summary.BestWeights != "" {
				fmt.Fprintf(out, "Best weights: %s\n", summary.BestWeights)
			}
			if summary.SaveDir != "" {
				fmt.Fprintf(out, "Results saved to: %s\n", summary.SaveDir)
			}
			return nil
		},
	}

	defaults := engine.DefaultTrainingParameters()
	cmd.Flags().Int("epochs", defaults.Epochs, "Number of epochs for training")
	cmd.Flags().Int("batch-size", defaults.BatchSize, "Batch size for training")
	cmd.Flags().Int("image-size", defaults.ImageSize, "Image size for training")
	cmd.Flags().Float64("conf", defaults.ConfidenceThreshold, "Confidence threshold used when validating")
	cmd.Flags().Bool("create-samples", false, "Create synthetic samples before training")
	cmd.Flags().Int("num-samples", defaultNumSamples, "Number of sample images to create with --create-samples")
	return cmd
}

// InferenceCommand returns the command that runs the trained model on one
// image or on every image of a directory.
func InferenceCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "inference",
		Aliases: []string{"predict"},
		Short:   "Run the trained model on an image",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.open()
			if err != nil {
				return err
			}
			defer env.Close()

			fs := cmd.Flags()
			out := cmd.OutOrStdout()
			conf := changedFloat(fs, "conf", env.cfg.ConfThreshold)
			annotateTo, _ := fs.GetString("annotate")

			if dir, _ := fs.GetString("dir"); dir != "" {
				return inferDirectory(cmd, env, dir, conf, annotateTo)
			}

			image, _ := fs.GetString("image")
			if image == "" {
				fmt.Fprintln(out, "No image specified, looking for a sample image...")
				image, err = env.app.Materializer().FindSampleImage()
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "Running inference on image: %s\n", image)

			dets, err := env.app.Predict(cmd.Context(), image, conf)
			if err != nil {
				return err
			}

			fmt.Fprintln(out, "Inference completed successfully!")
			printDetections(cmd, dets.Boxes)
			if dets.SaveDir != "" {
				fmt.Fprintf(out, "Results saved to: %s\n", dets.SaveDir)
			}
			if annotateTo != "" {
				if err := env.app.Annotate(dets, annotateTo); err != nil {
					return err
				}
				fmt.Fprintf(out, "Annotated image saved to: %s\n", annotateTo)
			}
			return nil
		},
	}
	cmd.Flags().String("image", "", "Path to the image file for inference (default the first validation image)")
	cmd.Flags().Float64("conf", engine.DefaultTrainingParameters().ConfidenceThreshold, "Confidence threshold for inference")
	cmd.Flags().String("annotate", "", "Write the image with boxes drawn to this path (a directory with --dir)")
	cmd.Flags().String("dir", "", "Run on every image in this directory")
	return cmd
}

func inferDirectory(cmd *cobra.Command, env *environment, dir string, conf float64, annotateDir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return apperr.New(apperr.IOFailure, "list images", dir, err)
	}
	var images []string
	for _, e := range entries {
		if !e.IsDir() && dataset.IsImage(e.Name()) {
			images = append(images, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(images)
	if len(images) == 0 {
		return apperr.Newf(apperr.ImageNotFound, "list images", dir, "no images in directory")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Running inference on %d images in %s\n", len(images), dir)

	report, err := env.app.PredictBatch(cmd.Context(), images, conf, annotateDir)
	for _, r := range report.Results {
		if r.Err != nil {
			fmt.Fprintf(out, "%s: error: %v\n", r.Image, r.Err)
			continue
		}
		fmt.Fprintf(out, "%s: %d detections\n", r.Image, len(r.Detections.Boxes))
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Processed %d images: %d succeeded, %d failed, %d boxes\n",
		len(report.Results), report.Succeeded, report.Failed, report.Boxes)
	if report.Failed > 0 {
		return apperr.Newf(apperr.PredictFailure, "batch inference", dir, "%d of %d images failed", report.Failed, len(report.Results))
	}
	return nil
}

func printDetections(cmd *cobra.Command, boxes []engine.Detection) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Detections: %d\n", len(boxes))
	for _, b := range boxes {
		name := b.ClassName
		if name == "" {
			name = fmt.Sprintf("class %d", b.ClassID)
		}
		fmt.Fprintf(out, "  %s %.2f [%.0f, %.0f, %.0f, %.0f]\n", name, b.Confidence, b.X1, b.Y1, b.X2, b.Y2)
	}
}

// EvaluateCommand returns the command that scores the trained model on the
// validation split.
func EvaluateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the trained model on the validation split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.open()
			if err != nil {
				return err
			}
			defer env.Close()

			out := cmd.OutOrStdout()
			data, _ := cmd.Flags().GetString("data")

			fmt.Fprintln(out, "Evaluating model...")
			m, err := env.app.Evaluate(cmd.Context(), data)
			if err != nil {
				return err
			}

			fmt.Fprintln(out, "Evaluation completed successfully!")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Evaluation Metrics:")
			fmt.Fprintf(out, "mAP50: %.4f\n", m.Map50)
			fmt.Fprintf(out, "mAP50-95: %.4f\n", m.Map50_95)
			fmt.Fprintf(out, "Precision: %.4f\n", m.MeanPrecision)
			fmt.Fprintf(out, "Recall: %.4f\n", m.MeanRecall)

			if plot, _ := cmd.Flags().GetString("plot"); plot != "" {
				res, dcfg, err := env.app.Score(cmd.Context(), data)
				if err != nil {
					return err
				}
				if err := metrics.SavePRCurve(res, dcfg.ClassNames, plot); err != nil {
					return apperr.New(apperr.IOFailure, "plot", plot, err)
				}
				fmt.Fprintf(out, "Precision-recall curve saved to: %s\n", plot)
			}
			return nil
		},
	}
	cmd.Flags().String("data", "", "Dataset descriptor to evaluate against (default the configured one)")
	cmd.Flags().String("plot", "", "Also score the validation split locally and plot the PR curve to this file (.png, .svg, .pdf)")
	return cmd
}

// CountCommand returns the command that prints the image counts per split.
func CountCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of images in each dataset split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.open()
			if err != nil {
				return err
			}
			defer env.Close()

			counts, err := env.app.Materializer().CountImages()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "train: %d\n", counts.Train)
			fmt.Fprintf(out, "val: %d\n", counts.Val)
			fmt.Fprintf(out, "total: %d\n", counts.Total)
			return nil
		},
	}
}

// CleanCommand returns the command that deletes the dataset root.
func CleanCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Delete the dataset directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.open()
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.app.Materializer().Clear(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", env.cfg.DatasetDir)
			return nil
		},
	}
}

// MigrateCommand returns the command that imports artifacts from the flat
// legacy layout.
func MigrateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy trained weights, the dataset and its descriptor from the legacy layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.open()
			if err != nil {
				return err
			}
			defer env.Close()

			from, _ := cmd.Flags().GetString("from")
			if from == "" {
				from = env.cfg.ProjectDir
			}
			actions, err := migrate.Run(env.cfg, from)
			for _, a := range actions {
				fmt.Fprintln(cmd.OutOrStdout(), a)
			}
			if err != nil {
				return err
			}
			if len(actions) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Nothing to migrate in %s\n", from)
			}
			return nil
		},
	}
	cmd.Flags().String("from", "", "Root of the legacy project (default the project directory)")
	return cmd
}

// RunsCommand returns the command that lists the recorded runs.
func RunsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded train, inference and evaluation runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.open()
			if err != nil {
				return err
			}
			defer env.Close()

			if env.store == nil {
				return errors.New("run history is unavailable")
			}
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := env.store.Runs().List(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATUS\tSTARTED\tDURATION\tTARGET")
			for _, r := range runs {
				duration := "-"
				if r.FinishedAt != nil {
					duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
				}
				target := r.ImagePath
				if target == "" {
					target = r.DescriptorPath
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.Status,
					r.StartedAt.Local().Format(time.DateTime), duration, target)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of runs to list (0 for all)")
	return cmd
}

// ServeCommand returns the command that starts the HTTP API.
func ServeCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and the web UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.open()
			if err != nil {
				return err
			}
			defer env.Close()

			staticDir, _ := cmd.Flags().GetString("static")
			if staticDir == "" {
				staticDir = findWebDir(env.cfg.ProjectDir)
			}
			if staticDir != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Serving static files from: %s\n", staticDir)
			}

			srv := server.New(server.Config{
				StaticDir: staticDir,
				Store:     env.store,
				App:       env.app,
			})

			addr, _ := cmd.Flags().GetString("addr")
			fmt.Fprintf(cmd.OutOrStdout(), "Starting server on %s\n", addr)
			return srv.ListenAndServe(addr)
		},
	}
	cmd.Flags().String("addr", ":8080", "Listen address")
	cmd.Flags().String("static", "", "Directory served at / (default <project-dir>/web when present)")
	return cmd
}

// findWebDir returns the first existing web directory: <projectDir>/web,
// then ~/.vibrio/web. Empty when neither exists.
func findWebDir(projectDir string) string {
	candidates := []string{filepath.Join(projectDir, "web")}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".vibrio", "web"))
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p
		}
	}
	return ""
}

// ConfigCommand returns the command that prints or saves the effective configuration.
func ConfigCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration, or save it with --write",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			if path, _ := cmd.Flags().GetString("write"); path != "" {
				if err := config.Save(cfg, path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", path)
				return nil
			}

			data, err := config.Marshal(cfg)
			if err != nil {
				return apperr.New(apperr.ParseFailure, "encode config", "", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().String("write", "", "Save the configuration to this YAML file")
	return cmd
}

// CheckCommand returns the command that verifies the Python packages needed
// by the ultralytics backend.
func CheckCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that the detection backend's dependencies are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.open()
			if err != nil {
				return err
			}
			defer env.Close()

			out := cmd.OutOrStdout()
			ue, ok := env.engine.(*engine.UltralyticsEngine)
			if !ok {
				fmt.Fprintf(out, "Backend %s has no external dependencies to check\n", env.engine.Name())
				return nil
			}

			missing, err := ue.CheckDependencies(cmd.Context())
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				fmt.Fprintf(out, "Missing Python packages: %s\n", strings.Join(missing, ", "))
				fmt.Fprintln(out, "Install them with: pip install ultralytics opencv-python pillow numpy torch torchvision")
				return fmt.Errorf("%d required packages are missing", len(missing))
			}
			fmt.Fprintln(out, "All dependencies are installed")
			return nil
		},
	}
}
