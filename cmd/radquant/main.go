// Command radquant runs the quantitative analysis engines from the command
// line: calcium scoring and lesion compositing on raw volume containers, and
// a self-contained demo exercising the full job pipeline on synthetic data.
package main

import (
	"fmt"
	"image/color"
	"image/png"
	"math"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"radquant/internal/logging"
	"radquant/internal/models"
	"radquant/pkg/calcium"
	"radquant/pkg/config"
	"radquant/pkg/export"
	"radquant/pkg/jobs"
	"radquant/pkg/kernel"
	"radquant/pkg/perfusion"
)

var (
	cfgPath string
	verbose bool

	cfg *config.Config
	log zerolog.Logger
)

func main() {
	root := &cobra.Command{
		Use:   "radquant",
		Short: "Quantitative medical image analysis",
		Long: `radquant runs calcium scoring, perfusion mapping and overlay
compositing over raw volume containers through an asynchronous job pipeline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			level := logging.ParseLevel(cfg.Logging.Level)
			if verbose {
				level = zerolog.DebugLevel
			}
			if cfg.Logging.Console {
				log = logging.NewConsole(level)
			} else {
				log = logging.New(os.Stderr, level)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "radquant.yaml", "path to the YAML configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(calciumCommand())
	root.AddCommand(perfusionCommand())
	root.AddCommand(compositeCommand())
	root.AddCommand(demoCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newOrchestrator(provider models.DatasetProvider) (*jobs.Orchestrator, error) {
	return jobs.New(jobs.Options{
		Workers:        cfg.Processing.NumWorkers,
		MaxQueued:      cfg.Jobs.MaxQueued,
		ComputeTimeout: cfg.Processing.ComputeTimeout,
		ComputeLanes:   cfg.Processing.ComputeLanes,
		Provider:       provider,
		Logger:         log,
	})
}

// waitJob polls until the job reaches a terminal status.
func waitJob(o *jobs.Orchestrator, id string) (jobs.Job, error) {
	for {
		job, err := o.Poll(id)
		if err != nil {
			return jobs.Job{}, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func calciumCommand() *cobra.Command {
	var (
		threshold float64
		conn      int
		minArea   float64
		report    string
	)

	cmd := &cobra.Command{
		Use:   "calcium <volume.rqv>",
		Short: "Run calcium scoring on a volume container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vol, err := export.LoadVolume(args[0])
			if err != nil {
				return err
			}

			provider := models.NewMemProvider()
			if err := provider.AddVolume("cli", vol); err != nil {
				return err
			}
			o, err := newOrchestrator(provider)
			if err != nil {
				return err
			}
			defer o.Close()

			if threshold == 0 {
				threshold = cfg.Calcium.ThresholdHU
			}
			if conn == 0 {
				conn = cfg.Calcium.Connectivity
			}
			if minArea == 0 {
				minArea = cfg.Calcium.MinLesionAreaMM2
			}

			id, err := o.Submit(jobs.CalciumParams{
				DatasetRef:       "cli",
				ThresholdHU:      threshold,
				Connectivity:     kernel.Connectivity(conn),
				MinLesionAreaMM2: minArea,
			})
			if err != nil {
				return err
			}
			job, err := waitJob(o, id)
			if err != nil {
				return err
			}
			if job.Status != jobs.StatusCompleted {
				return fmt.Errorf("scoring job %s: %s", job.Status, job.Error)
			}

			result := job.Result.(*calcium.Result)
			printScore(result)

			if report != "" {
				f, err := os.Create(report)
				if err != nil {
					return err
				}
				defer f.Close()
				return export.Report(f, job)
			}
			return nil
		},
	}
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", 0, "calcification threshold in HU (default from config)")
	cmd.Flags().IntVar(&conn, "connectivity", 0, "lesion connectivity, 6 or 26 (default from config)")
	cmd.Flags().Float64Var(&minArea, "min-area", 0, "minimum per-slice lesion area in mm² (default from config)")
	cmd.Flags().StringVar(&report, "report", "", "write a JSON report to this path")
	return cmd
}

func printScore(result *calcium.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendRow(table.Row{"Total score", fmt.Sprintf("%.1f", result.TotalScore)})
	t.AppendRow(table.Row{"Risk", result.RiskCategory.String()})
	t.AppendRow(table.Row{"Lesions", result.LesionCount})
	t.AppendRow(table.Row{"Volume", fmt.Sprintf("%.1f mm³", result.VolumeScore)})
	t.AppendRow(table.Row{"Mass estimate", fmt.Sprintf("%.2f mg", result.MassScoreEstimate)})
	t.Render()

	if result.LesionCount == 0 {
		return
	}
	lt := table.NewWriter()
	lt.SetOutputMirror(os.Stdout)
	lt.SetStyle(table.StyleLight)
	lt.AppendHeader(table.Row{"Lesion", "Vessel", "Score", "Volume mm³", "Max HU"})
	for _, l := range result.PerLesionScores {
		lt.AppendRow(table.Row{l.Label, l.Vessel, fmt.Sprintf("%.1f", l.Score),
			fmt.Sprintf("%.1f", l.VolumeMM3), fmt.Sprintf("%.0f", l.MaxHU)})
	}
	lt.Render()
}

func perfusionCommand() *cobra.Command {
	var (
		dt     float64
		cx, cy float64
		radius float64
		fast   bool
		report string
	)

	cmd := &cobra.Command{
		Use:   "perfusion <frame.rqv> [frame.rqv...]",
		Short: "Generate parametric maps from a sequence of frame containers",
		Long: `Each argument is one time point of the contrast passage, stored as a
volume container. Frames must share dimensions; timestamps are assigned at a
fixed interval.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			series, err := loadSeries(args, dt)
			if err != nil {
				return err
			}

			provider := models.NewMemProvider()
			if err := provider.AddSeries("cli", series); err != nil {
				return err
			}
			o, err := newOrchestrator(provider)
			if err != nil {
				return err
			}
			defer o.Close()

			mode := perfusion.MapModeDeconvolution
			if fast {
				mode = perfusion.MapModeFastRatio
			}
			id, err := o.Submit(jobs.PerfusionParams{
				DatasetRef:          "cli",
				ReferenceROI:        models.ROI{Shape: models.ROICircle, CenterX: cx, CenterY: cy, Radius: radius},
				Regularization:      cfg.Perfusion.Regularization,
				Calibration:         cfg.Perfusion.Calibration,
				Mode:                mode,
				FlowBelowFraction:   cfg.Perfusion.FlowBelow,
				TransitAboveSeconds: cfg.Perfusion.TransitAbove,
			})
			if err != nil {
				return err
			}
			job, err := waitJob(o, id)
			if err != nil {
				return err
			}
			if job.Status != jobs.StatusCompleted {
				return fmt.Errorf("perfusion job %s: %s", job.Status, job.Error)
			}

			printMaps(job.Result.(*jobs.PerfusionResult))

			if report != "" {
				f, err := os.Create(report)
				if err != nil {
					return err
				}
				defer f.Close()
				return export.Report(f, job)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&dt, "dt", 1.0, "frame interval in seconds")
	cmd.Flags().Float64Var(&cx, "roi-x", 0, "reference ROI center x")
	cmd.Flags().Float64Var(&cy, "roi-y", 0, "reference ROI center y")
	cmd.Flags().Float64Var(&radius, "roi-radius", 3, "reference ROI radius in voxels")
	cmd.Flags().BoolVar(&fast, "fast", false, "use the peak-ratio preview estimator instead of deconvolution")
	cmd.Flags().StringVar(&report, "report", "", "write a JSON report to this path")
	return cmd
}

// loadSeries assembles a time series from per-frame volume containers.
func loadSeries(paths []string, dt float64) (*models.TimeSeries, error) {
	if dt <= 0 {
		return nil, fmt.Errorf("frame interval must be positive, got %g", dt)
	}

	var series *models.TimeSeries
	for i, path := range paths {
		vol, err := export.LoadVolume(path)
		if err != nil {
			return nil, fmt.Errorf("frame %d (%s): %w", i, path, err)
		}
		if series == nil {
			series = &models.TimeSeries{
				Nx:       vol.Nx,
				Ny:       vol.Ny,
				Nz:       vol.Nz,
				SpacingX: vol.SpacingX,
				SpacingY: vol.SpacingY,
				SpacingZ: vol.SpacingZ,
				Unit:     vol.Unit,
			}
		} else if vol.Nx != series.Nx || vol.Ny != series.Ny || vol.Nz != series.Nz {
			return nil, fmt.Errorf("frame %d (%s): dimensions %dx%dx%d do not match first frame %dx%dx%d",
				i, path, vol.Nx, vol.Ny, vol.Nz, series.Nx, series.Ny, series.Nz)
		}
		series.Frames = append(series.Frames, vol.Data)
		series.Timestamps = append(series.Timestamps, float64(i)*dt)
	}
	return series, nil
}

func printMaps(result *jobs.PerfusionResult) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Map", "Min", "Max", "Mean"})
	for _, row := range []struct {
		name string
		m    *perfusion.ParametricMap
	}{
		{"CBF", result.Maps.CBF},
		{"CBV", result.Maps.CBV},
		{"MTT", result.Maps.MTT},
		{"TTP", result.Maps.TTP},
	} {
		t.AppendRow(table.Row{row.name,
			fmt.Sprintf("%.3f", row.m.Stats.Min),
			fmt.Sprintf("%.3f", row.m.Stats.Max),
			fmt.Sprintf("%.3f", row.m.Stats.Mean)})
	}
	t.Render()
	if result.Abnormal != nil {
		fmt.Printf("Abnormal voxels: %d (%.1f mm³)\n",
			result.Abnormal.Count, result.Abnormal.VolumeMM3)
	}
}

// lesionPalette colors connected lesions in rotation.
var lesionPalette = []color.RGBA{
	{R: 230, G: 60, B: 60, A: 255},
	{R: 60, G: 170, B: 230, A: 255},
	{R: 240, G: 190, B: 40, A: 255},
	{R: 110, G: 210, B: 110, A: 255},
	{R: 190, G: 110, B: 230, A: 255},
}

func compositeCommand() *cobra.Command {
	var (
		slice     int
		opacity   float64
		threshold float64
		out       string
	)

	cmd := &cobra.Command{
		Use:   "composite <volume.rqv>",
		Short: "Render detected lesions over a slice as a PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vol, err := export.LoadVolume(args[0])
			if err != nil {
				return err
			}
			if threshold == 0 {
				threshold = cfg.Calcium.ThresholdHU
			}
			if opacity == 0 {
				opacity = cfg.Overlay.Opacity
			}

			mask, err := lesionMask(vol, threshold, cfg.Processing.ComputeLanes)
			if err != nil {
				return err
			}

			provider := models.NewMemProvider()
			if err := provider.AddVolume("cli", vol); err != nil {
				return err
			}
			o, err := newOrchestrator(provider)
			if err != nil {
				return err
			}
			defer o.Close()

			id, err := o.Submit(jobs.OverlayParams{
				DatasetRef: "cli",
				Mask:       mask,
				Slice:      slice,
				Opacity:    opacity,
			})
			if err != nil {
				return err
			}
			job, err := waitJob(o, id)
			if err != nil {
				return err
			}
			if job.Status != jobs.StatusCompleted {
				return fmt.Errorf("composite job %s: %s", job.Status, job.Error)
			}
			result := job.Result.(*jobs.OverlayResult)

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := png.Encode(f, result.Image); err != nil {
				return err
			}

			st := table.NewWriter()
			st.SetOutputMirror(os.Stdout)
			st.SetStyle(table.StyleLight)
			st.AppendHeader(table.Row{"Label", "Voxels", "Volume mm³"})
			for label, s := range result.Stats {
				st.AppendRow(table.Row{label, s.VoxelCount, fmt.Sprintf("%.1f", s.VolumeMM3)})
			}
			st.Render()

			log.Info().Str("path", out).Int("slice", slice).Msg("composite written")
			return nil
		},
	}
	cmd.Flags().IntVarP(&slice, "slice", "s", 0, "slice index to render")
	cmd.Flags().Float64Var(&opacity, "opacity", 0, "overlay opacity in [0,1] (default from config)")
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", 0, "lesion threshold in HU (default from config)")
	cmd.Flags().StringVarP(&out, "out", "o", "composite.png", "output PNG path")
	return cmd
}

// lesionMask labels the thresholded volume into a colored segmentation mask.
func lesionMask(vol *models.VolumeDataset, threshold float64, lanes int) (*models.SegmentationMask, error) {
	if lanes <= 0 {
		lanes = 1
	}
	bin := kernel.Threshold(vol.Data, threshold, lanes)
	comps, err := kernel.LabelComponents(bin, vol.Nx, vol.Ny, vol.Nz, kernel.Conn26, lanes)
	if err != nil {
		return nil, err
	}

	mask := &models.SegmentationMask{
		Labels:      make([]int, len(comps.Labels)),
		Nx:          vol.Nx,
		Ny:          vol.Ny,
		Nz:          vol.Nz,
		SpacingX:    vol.SpacingX,
		SpacingY:    vol.SpacingY,
		SpacingZ:    vol.SpacingZ,
		LabelColors: make(map[int]color.RGBA),
		LabelNames:  make(map[int]string),
	}
	for i, l := range comps.Labels {
		mask.Labels[i] = int(l)
	}
	for l := 1; l <= comps.Count; l++ {
		mask.LabelColors[l] = lesionPalette[(l-1)%len(lesionPalette)]
		mask.LabelNames[l] = fmt.Sprintf("lesion-%d", l)
	}
	return mask, nil
}

func demoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run all three analyses on synthetic data through the job pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := models.NewMemProvider()
			vol := syntheticVolume()
			if err := provider.AddVolume("demo-ct", vol); err != nil {
				return err
			}
			if err := provider.AddSeries("demo-bolus", syntheticSeries()); err != nil {
				return err
			}

			o, err := newOrchestrator(provider)
			if err != nil {
				return err
			}
			defer o.Close()

			mask, err := lesionMask(vol, cfg.Calcium.ThresholdHU, cfg.Processing.ComputeLanes)
			if err != nil {
				return err
			}

			var ids []string
			submit := func(params jobs.Params) error {
				id, err := o.Submit(params)
				if err != nil {
					return err
				}
				ids = append(ids, id)
				return nil
			}
			if err := submit(jobs.CalciumParams{
				DatasetRef:       "demo-ct",
				ThresholdHU:      cfg.Calcium.ThresholdHU,
				Connectivity:     kernel.Connectivity(cfg.Calcium.Connectivity),
				MinLesionAreaMM2: cfg.Calcium.MinLesionAreaMM2,
			}); err != nil {
				return err
			}
			if err := submit(jobs.PerfusionParams{
				DatasetRef:          "demo-bolus",
				ReferenceROI:        models.ROI{Shape: models.ROICircle, CenterX: 8, CenterY: 8, Radius: 3},
				Regularization:      cfg.Perfusion.Regularization,
				Calibration:         cfg.Perfusion.Calibration,
				FlowBelowFraction:   cfg.Perfusion.FlowBelow,
				TransitAboveSeconds: cfg.Perfusion.TransitAbove,
			}); err != nil {
				return err
			}
			if err := submit(jobs.OverlayParams{
				DatasetRef: "demo-ct",
				Mask:       mask,
				Slice:      5,
				Opacity:    cfg.Overlay.Opacity,
			}); err != nil {
				return err
			}

			for _, id := range ids {
				if _, err := waitJob(o, id); err != nil {
					return err
				}
			}
			printJobs(o.List(jobs.Filter{}))

			for _, id := range ids {
				job, err := o.Poll(id)
				if err != nil {
					return err
				}
				printDemoResult(job)
			}
			return nil
		},
	}
	return cmd
}

func printJobs(listed []jobs.Job) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Kind", "Status", "Progress", "Elapsed"})
	for _, job := range listed {
		elapsed := "-"
		if !job.CompletedAt.IsZero() {
			elapsed = job.CompletedAt.Sub(job.StartedAt).Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{job.ID[:8], job.Kind, job.Status,
			fmt.Sprintf("%.0f%%", job.Progress*100), elapsed})
	}
	t.Render()
}

func printDemoResult(job jobs.Job) {
	switch result := job.Result.(type) {
	case *calcium.Result:
		fmt.Printf("\nCalcium scoring (%s):\n", job.ID[:8])
		printScore(result)
	case *jobs.PerfusionResult:
		fmt.Printf("\nPerfusion maps (%s):\n", job.ID[:8])
		printMaps(result)
	case *jobs.OverlayResult:
		boundary := 0
		for _, b := range result.Boundary {
			if b {
				boundary++
			}
		}
		fmt.Printf("\nOverlay (%s): %d labels, %d boundary pixels on slice\n",
			job.ID[:8], len(result.Stats), boundary)
	}
}

// syntheticVolume builds a CT-like volume with two calcified blocks in a
// soft-tissue background.
func syntheticVolume() *models.VolumeDataset {
	nx, ny, nz := 32, 32, 10
	vol := &models.VolumeDataset{
		Data:     make([]float64, nx*ny*nz),
		Nx:       nx,
		Ny:       ny,
		Nz:       nz,
		SpacingX: 0.7,
		SpacingY: 0.7,
		SpacingZ: 2.5,
		Unit:     "HU",
	}
	for i := range vol.Data {
		vol.Data[i] = 40 // soft tissue
	}
	block := func(x0, y0, z0, size int, hu float64) {
		for z := z0; z < z0+size && z < nz; z++ {
			for y := y0; y < y0+size && y < ny; y++ {
				for x := x0; x < x0+size && x < nx; x++ {
					vol.Data[vol.Index(x, y, z)] = hu
				}
			}
		}
	}
	block(6, 8, 4, 3, 250)
	block(22, 18, 5, 2, 450)
	return vol
}

// syntheticSeries builds a bolus passage with a delayed, attenuated region in
// the lower-right quadrant.
func syntheticSeries() *models.TimeSeries {
	nx, ny := 16, 16
	s := &models.TimeSeries{
		Nx:       nx,
		Ny:       ny,
		Nz:       1,
		SpacingX: 1,
		SpacingY: 1,
		SpacingZ: 5,
		Unit:     "HU",
	}
	bolus := func(t, peak, width, amp float64) float64 {
		d := t - peak
		return amp * math.Exp(-d*d/(2*width*width))
	}
	for f := 0; f < 24; f++ {
		t := float64(f)
		frame := make([]float64, nx*ny)
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				if x >= nx/2 && y >= ny/2 {
					frame[y*nx+x] = bolus(t, 14, 4, 60) // delayed, attenuated
				} else {
					frame[y*nx+x] = bolus(t, 8, 3, 100)
				}
			}
		}
		s.Frames = append(s.Frames, frame)
		s.Timestamps = append(s.Timestamps, t)
	}
	return s
}
