package main

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"github.com/san-kum/mdgps/internal/config"
	"github.com/san-kum/mdgps/internal/cost"
	"github.com/san-kum/mdgps/internal/experiment"
	"github.com/san-kum/mdgps/internal/metrics"
	"github.com/san-kum/mdgps/internal/optim"
	"github.com/san-kum/mdgps/internal/storage"
	"github.com/spf13/cobra"
)

var (
	dataDir    string
	configFile string
	preset     string
	verbose    bool

	horizon   int
	finalMult float64

	samplesFile string
	bound       float64
	evalMean    bool

	stepMult     float64
	prevMC       float64
	prevLaplace  float64
	prevPred     float64
	curMC        float64
	curLaplace   float64
	plotField    string
	plotCond     int
	outputConfig string
)

var (
	title = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	label = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mdgps",
		Short: "mirror descent guided policy search tools",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".mdgps", "data directory")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (yaml)")
	rootCmd.PersistentFlags().StringVar(&preset, "preset", "", "use preset configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rampCmd := &cobra.Command{
		Use:   "ramp [constant|linear|quadratic|final_only]",
		Short: "print and plot ramp weights",
		Args:  cobra.ExactArgs(1),
		RunE:  showRamp,
	}
	rampCmd.Flags().IntVar(&horizon, "t", 50, "horizon")
	rampCmd.Flags().Float64Var(&finalMult, "final", 1, "final step multiplier")

	evalCmd := &cobra.Command{
		Use:   "eval",
		Short: "evaluate the configured cost on a samples CSV",
		RunE:  evalSamples,
	}
	evalCmd.Flags().StringVar(&samplesFile, "samples", "", "samples csv (sample,t,x...,u...)")
	evalCmd.Flags().Float64Var(&bound, "bound", 100, "state bound for the bounded metric")
	evalCmd.Flags().BoolVar(&evalMean, "mean", false, "also evaluate the cost along the mean trajectory")
	_ = evalCmd.MarkFlagRequired("samples")

	stepCmd := &cobra.Command{
		Use:   "step",
		Short: "apply the step size law to one set of costs",
		RunE:  stepOnce,
	}
	stepCmd.Flags().Float64Var(&stepMult, "mult", 1, "current step multiplier")
	stepCmd.Flags().Float64Var(&prevMC, "prev-mc", 0, "previous sample cost")
	stepCmd.Flags().Float64Var(&prevLaplace, "prev-laplace", 0, "previous Laplace cost")
	stepCmd.Flags().Float64Var(&prevPred, "prev-pred", 0, "previous predicted cost")
	stepCmd.Flags().Float64Var(&curMC, "cur-mc", 0, "current sample cost")
	stepCmd.Flags().Float64Var(&curLaplace, "cur-laplace", 0, "current Laplace cost")

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "list saved runs",
		Long:  "List the runs in the data directory. Runs are written by experiment.Experiment.Save from Go code; the CLI only reads them.",
		RunE:  listRuns,
	}

	showCmd := &cobra.Command{
		Use:   "show [run_id]",
		Short: "show run metadata and final state",
		Long:  "Show the metadata and final per-condition state of a run saved by experiment.Experiment.Save.",
		Args:  cobra.ExactArgs(1),
		RunE:  showRun,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot a history series",
		Long:  "Plot one history series of a run saved by experiment.Experiment.Save.",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}
	plotCmd.Flags().StringVar(&plotField, "field", "mc_cost", "series: "+strings.Join(metrics.Fields, ", "))
	plotCmd.Flags().IntVar(&plotCond, "condition", -1, "condition to plot, -1 for all")

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list available presets",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(title.Render("presets"))
			for _, p := range config.ListPresets() {
				fmt.Printf("  %s\n", p)
			}
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "configuration helpers",
	}
	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "write a config file",
		RunE:  initConfig,
	}
	configInitCmd.Flags().StringVarP(&outputConfig, "output", "o", "mdgps.yaml", "output path")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(rampCmd, evalCmd, stepCmd, runsCmd, showCmd, plotCmd, presetsCmd, configCmd)
	return rootCmd
}

func loadConfig() (*config.Config, error) {
	switch {
	case configFile != "":
		return config.Load(configFile)
	case preset != "":
		cfg := config.GetPreset(preset)
		if cfg == nil {
			return nil, fmt.Errorf("unknown preset: %s", preset)
		}
		return cfg, nil
	default:
		return config.DefaultConfig(), nil
	}
}

func showRamp(cmd *cobra.Command, args []string) error {
	r, err := cost.ParseRamp(args[0])
	if err != nil {
		return err
	}
	w, err := cost.RampMultiplier(r, horizon, finalMult)
	if err != nil {
		return err
	}

	fmt.Println(title.Render(fmt.Sprintf("%s ramp, T=%d", r, horizon)))
	fmt.Printf("%s %.4g  %s %.4g\n\n", label.Render("first:"), w[0], label.Render("final:"), w[len(w)-1])
	if len(w) > 1 {
		fmt.Println(asciigraph.Plot(w,
			asciigraph.Height(10),
			asciigraph.Width(80),
			asciigraph.Caption("weight vs t"),
		))
	}
	return nil
}

func evalSamples(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := experiment.NewRegistry().BuildCost(cfg.Cost)
	if err != nil {
		return err
	}

	f, err := os.Open(samplesFile)
	if err != nil {
		return err
	}
	defer f.Close()
	samples, err := storage.ReadSamples(f, cfg.DX, cfg.DU)
	if err != nil {
		return fmt.Errorf("%s: %w", samplesFile, err)
	}

	exps, err := cost.EvalSamples(c, samples)
	if err != nil {
		return err
	}

	T := samples[0].T()
	perStep := make([]float64, T)
	total := 0.0
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SAMPLE\tCOST")
	for n, e := range exps {
		sum := 0.0
		for t, l := range e.L {
			sum += l
			perStep[t] += l / float64(len(exps))
		}
		total += sum
		fmt.Fprintf(w, "%d\t%.6g\n", n, sum)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("%s %.6g\n", label.Render("mean cost:"), total/float64(len(exps)))
	if evalMean {
		mu, err := samples.Mean()
		if err != nil {
			return err
		}
		exp, err := cost.EvalMu(c, mu, cfg.DX)
		if err != nil {
			return err
		}
		sum := 0.0
		for _, l := range exp.L {
			sum += l
		}
		fmt.Printf("%s %.6g\n", label.Render("cost of mean:"), sum)
	}
	for name, v := range metrics.ObserveSamples(samples, metrics.NewControlEffort(), metrics.NewBounded(bound)) {
		fmt.Printf("%s %.6g\n", label.Render(name+":"), v)
	}
	if T > 1 {
		fmt.Println()
		fmt.Println(asciigraph.Plot(perStep,
			asciigraph.Height(10),
			asciigraph.Width(80),
			asciigraph.Caption("mean cost per step"),
		))
	}
	return nil
}

func stepOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	stepCfg, err := cfg.StepConfig()
	if err != nil {
		return err
	}
	adj := optim.NewStepAdjuster(stepCfg, slog.Default().With(slog.String("component", "step")))

	est := optim.CostEstimate{
		PrevLaplace:   prevLaplace,
		PrevMC:        prevMC,
		PrevPredicted: prevPred,
		CurLaplace:    curLaplace,
		CurMC:         curMC,
	}
	pred, act := adj.Improvement(est)
	next := adj.NextMultiplier(stepMult, pred, act)

	fmt.Println(title.Render(fmt.Sprintf("%s rule", stepCfg.Rule)))
	fmt.Printf("%s %.6g\n", label.Render("predicted improvement:"), pred)
	fmt.Printf("%s %.6g\n", label.Render("actual improvement:"), act)
	fmt.Printf("%s %.6g -> %.6g\n", label.Render("step multiplier:"), stepMult, next)
	fmt.Printf("%s %.6g\n", label.Render("kl step:"), cfg.Algorithm.KLStep*next)
	return nil
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTIME\tCOND\tT\tITERS\tRULE")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			run.ID,
			run.Name,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.Conditions,
			run.T,
			run.Iterations,
			run.StepRule,
		)
	}
	return w.Flush()
}

func showRun(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	meta, err := st.Load(args[0])
	if err != nil {
		return err
	}

	fmt.Println(title.Render("run " + meta.ID))
	fmt.Printf("%s %s\n", label.Render("name:"), meta.Name)
	fmt.Printf("%s %s\n", label.Render("time:"), meta.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Printf("%s %d conditions, T=%d, dX=%d, dU=%d\n", label.Render("shape:"), meta.Conditions, meta.T, meta.DX, meta.DU)
	fmt.Printf("%s %d (%s, %s)\n", label.Render("iterations:"), meta.Iterations, meta.StepRule, meta.StepScope)

	snap, err := st.LoadSnapshot(meta.ID)
	if err != nil {
		fmt.Printf("%s none\n", label.Render("snapshot:"))
		return nil
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COND\tSTEP_MULT\tETA\tLAST_KL\tFIT")
	for m, c := range snap.Conditions {
		fmt.Fprintf(w, "%d\t%.4g\t%.4g\t%.4g\t%t\n", m, c.StepMult, c.Eta, c.LastKLStep, c.PolicyFit != nil)
	}
	return w.Flush()
}

func plotRun(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	meta, err := st.Load(args[0])
	if err != nil {
		return err
	}
	records, err := st.LoadHistory(meta.ID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no history to plot")
	}

	h := metrics.NewHistory()
	for _, r := range records {
		h.Observe(r)
	}

	conds := h.Conditions()
	if plotCond >= 0 {
		conds = []int{plotCond}
	}
	fmt.Printf("run: %s\n", meta.ID)
	fmt.Printf("iterations: %d\n\n", meta.Iterations)

	for _, m := range conds {
		series, err := h.Series(m, plotField)
		if err != nil {
			return err
		}
		data := finite(series)
		if len(data) == 0 {
			fmt.Printf("condition %d: no %s values\n\n", m, plotField)
			continue
		}
		fmt.Println(asciigraph.Plot(data,
			asciigraph.Height(10),
			asciigraph.Width(80),
			asciigraph.Caption(fmt.Sprintf("%s, condition %d", plotField, m)),
		))
		fmt.Println()
	}
	return nil
}

// finite drops the NaN entries left by iterations that had no estimate.
func finite(v []float64) []float64 {
	out := make([]float64, 0, len(v))
	for _, x := range v {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			out = append(out, x)
		}
	}
	return out
}

func initConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.Save(outputConfig, cfg); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", outputConfig)
	return nil
}
