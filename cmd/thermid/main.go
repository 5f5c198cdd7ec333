package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	ossignal "os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/wmkouw/CCTA2024-BIDconvection/config"
	"github.com/wmkouw/CCTA2024-BIDconvection/hyper"
	"github.com/wmkouw/CCTA2024-BIDconvection/identify"
	"github.com/wmkouw/CCTA2024-BIDconvection/model"
	"github.com/wmkouw/CCTA2024-BIDconvection/simulate"
	"github.com/wmkouw/CCTA2024-BIDconvection/store"
	"gonum.org/v1/gonum/mat"
)

func main() {
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	cobra.CheckErr(NewCmd().ExecuteContext(ctx))
}

func NewCmd() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "thermid [command] [flags]",
		Short:         "thermid identifies convective heat loss in coupled thermal blocks",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: setupLogging,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "`<path>` to a YAML configuration; defaults apply when empty")
	rootCmd.PersistentFlags().String("log-level", "info", "`<level>` of logging: debug, info, warn, error")

	simulateCmd := &cobra.Command{
		Use:   "simulate [flags]",
		Short: "Simulate a noisy measurement series",
		RunE:  doSimulate,
	}
	simulateCmd.Flags().StringP("out", "o", "", "`<path>` of the CSV series; stdout when empty")
	simulateCmd.Flags().Bool("linear", false, "sample the linear-Gaussian model instead of the nonlinear ground truth")
	simulateCmd.Flags().Uint64("seed", 0, "noise seed; overrides truth.seed when set")

	identifyCmd := &cobra.Command{
		Use:   "identify [flags]",
		Short: "Identify latent heat fluxes and their residual polynomials",
		RunE:  doIdentify,
	}
	identifyCmd.Flags().StringP("data", "d", "", "`<path>` of a CSV series; simulated from the configuration when empty")
	identifyCmd.Flags().StringP("out", "o", "", "`<path>` of the result bundle")
	identifyCmd.Flags().Int("starts", 0, "number of optimizer starts; overrides optimizer.starts when set")
	identifyCmd.Flags().Int("workers", 0, "optimizer worker pool size; overrides optimizer.workers when set")
	identifyCmd.MarkFlagRequired("out")

	validateCmd := &cobra.Command{
		Use:   "validate [flags]",
		Short: "Re-simulate with an identified bundle and report errors against data",
		RunE:  doValidate,
	}
	validateCmd.Flags().StringP("bundle", "b", "", "`<path>` of the result bundle")
	validateCmd.Flags().StringP("data", "d", "", "`<path>` of the CSV series")
	validateCmd.MarkFlagRequired("bundle")
	validateCmd.MarkFlagRequired("data")

	rootCmd.AddCommand(
		simulateCmd,
		identifyCmd,
		validateCmd,
	)
	return rootCmd
}

func setupLogging(cmd *cobra.Command, args []string) error {
	name, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return err
	}
	level, err := log.ParseLevel(name)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(cmd.ErrOrStderr())
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// series is a measurement experiment on the grid k*dt, k = 1..T.
type series struct {
	ts     []float64
	ys, us []mat.Vector
	// truth holds the noise-free temperatures when the series is synthetic.
	truth []mat.Vector
}

func synthesize(cfg *config.Config, linear bool, seed uint64) (*series, error) {
	inputs, err := cfg.SignalInputs()
	if err != nil {
		return nil, err
	}
	times := cfg.Times()
	s := &series{ts: times[1:], us: inputs.Sample(cfg.Sampling.Steps, cfg.Sampling.Dt)}
	if linear {
		opts := cfg.ModelOptions()
		opts.Dt = cfg.Sampling.Dt
		opts.Hyper = cfg.Start()
		sys, err := model.Build(cfg.Physics, opts)
		if err != nil {
			return nil, err
		}
		xs, ys, err := simulate.Sample(sys, s.us, sys.M0, seed)
		if err != nil {
			return nil, err
		}
		s.ys = vectors(ys)
		s.truth = make([]mat.Vector, len(ys))
		for k := range s.truth {
			s.truth[k] = xs[k+1].SliceVec(0, 3)
		}
		return s, nil
	}
	residuals := cfg.Truth.Convection.Residuals(cfg.Physics)
	states, err := cfg.Solver().Truth(cfg.Physics, residuals, inputs, cfg.InitialState(), times)
	if err != nil {
		return nil, fmt.Errorf("ground truth: %w", err)
	}
	s.truth = vectors(states[1:])
	ys, err := simulate.Observe(s.truth, cfg.MeasurementCov(), seed)
	if err != nil {
		return nil, err
	}
	s.ys = vectors(ys)
	return s, nil
}

func readSeries(path string, dt float64) (*series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ts, ys, us, err := store.ReadSeries(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(ts) == 0 {
		return nil, fmt.Errorf("%s: %w: no rows", path, store.ErrMalformedSeries)
	}
	for k, t := range ts {
		if math.Abs(t-float64(k+1)*dt) > 1e-6*dt {
			return nil, fmt.Errorf("%s: %w: row %d at t = %v is off the grid k*%v", path, store.ErrMalformedSeries, k+1, t, dt)
		}
	}
	return &series{ts: ts, ys: ys, us: us}, nil
}

func vectors(xs []*mat.VecDense) []mat.Vector {
	out := make([]mat.Vector, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

func doSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	linear, err := cmd.Flags().GetBool("linear")
	if err != nil {
		return err
	}
	seed := cfg.Truth.Seed
	if cmd.Flags().Changed("seed") {
		if seed, err = cmd.Flags().GetUint64("seed"); err != nil {
			return err
		}
	}
	s, err := synthesize(cfg, linear, seed)
	if err != nil {
		return err
	}

	out, err := cmd.Flags().GetString("out")
	if err != nil {
		return err
	}
	var w io.Writer = cmd.OutOrStdout()
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := store.WriteSeries(w, s.ts, s.ys, s.us); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"steps":  len(s.ts),
		"linear": linear,
		"seed":   seed,
		"out":    out,
	}).Info("series written")
	return nil
}

func doIdentify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	settings := cfg.IdentifySettings()
	if cmd.Flags().Changed("starts") {
		if settings.Search.Starts, err = cmd.Flags().GetInt("starts"); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("workers") {
		if settings.Search.Workers, err = cmd.Flags().GetInt("workers"); err != nil {
			return err
		}
	}

	data, err := cmd.Flags().GetString("data")
	if err != nil {
		return err
	}
	var s *series
	if data == "" {
		log.Info("no data given, simulating from the configuration")
		s, err = synthesize(cfg, false, cfg.Truth.Seed)
	} else {
		s, err = readSeries(data, cfg.Sampling.Dt)
	}
	if err != nil {
		return err
	}

	id, err := identify.New(cfg.Problem(s.ys, s.us), settings, log.StandardLogger())
	if err != nil {
		return err
	}
	res, err := id.Run(cmd.Context())
	if err != nil {
		if res == nil || !errors.Is(err, hyper.ErrNonConvergence) {
			return err
		}
		log.WithError(err).Warn("saving a result from an unconverged search")
	}
	if s.truth != nil {
		mse, err := res.MSE(s.truth)
		if err != nil {
			return err
		}
		log.WithField("mse", mse).Info("smoothed temperatures against ground truth")
	}

	out, err := cmd.Flags().GetString("out")
	if err != nil {
		return err
	}
	if err := store.FromResult(cfg.Physics, cfg.Sampling.Dt, res).Save(out); err != nil {
		return err
	}
	log.WithField("out", out).Info("bundle saved")
	return nil
}

func doValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path, err := cmd.Flags().GetString("bundle")
	if err != nil {
		return err
	}
	bundle, err := store.Load(path)
	if err != nil {
		return err
	}
	channels, err := bundle.Channels()
	if err != nil {
		return err
	}
	data, err := cmd.Flags().GetString("data")
	if err != nil {
		return err
	}
	s, err := readSeries(data, bundle.Dt)
	if err != nil {
		return err
	}
	inputs, err := cfg.SignalInputs()
	if err != nil {
		return err
	}

	times := append([]float64{0}, s.ts...)
	solver := cfg.Solver()
	withResidual, err := solver.Validate(bundle.Physics, channels, inputs, cfg.InitialState(), times)
	if err != nil {
		return fmt.Errorf("re-simulation: %w", err)
	}
	linearOnly, err := solver.Truth(bundle.Physics, nil, inputs, cfg.InitialState(), times)
	if err != nil {
		return fmt.Errorf("linear re-simulation: %w", err)
	}

	ys, fitted := observed(s.ys, vectors(withResidual[1:]))
	_, linear := observed(s.ys, vectors(linearOnly[1:]))
	if len(ys) == 0 {
		return fmt.Errorf("%s: %w: no complete measurement rows", data, store.ErrMalformedSeries)
	}
	mseFitted, err := simulate.MSE(ys, fitted, 3)
	if err != nil {
		return err
	}
	mseLinear, err := simulate.MSE(ys, linear, 3)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"rows":         len(ys),
		"mse_residual": mseFitted,
		"mse_linear":   mseLinear,
		"length_scale": bundle.Hyper.LengthScale,
		"output_scale": bundle.Hyper.OutputScale,
	}).Info("validation done")

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "rows compared:            %d\n", len(ys))
	fmt.Fprintf(w, "MSE with residual model:  %.6g\n", mseFitted)
	fmt.Fprintf(w, "MSE linear model only:    %.6g\n", mseLinear)
	return nil
}

// observed drops the steps whose measurement has a missing entry.
func observed(ys, xs []mat.Vector) (keptY, keptX []mat.Vector) {
	for k, y := range ys {
		complete := true
		for i := 0; i < y.Len(); i++ {
			if math.IsNaN(y.AtVec(i)) {
				complete = false
				break
			}
		}
		if complete {
			keptY = append(keptY, y)
			keptX = append(keptX, xs[k])
		}
	}
	return keptY, keptX
}
