package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"biotap/internal/audio"
	"biotap/internal/config"
	"biotap/internal/driver"
	applog "biotap/internal/log"
	"biotap/internal/transport"
	"biotap/internal/tui"
	"biotap/pkg/build"
)

// options holds the command line flags. Only flags the user set override the
// loaded configuration.
type options struct {
	configPath string
	logLevel   string

	source     string
	url        string
	topic      string
	file       string
	channel    int
	device     int
	sampleRate float64
	threshold  float64
	edge       bool
	realtime   bool
	calibrate  bool
	record     bool
	websocket  string
	udp        string

	noTUI bool
	json  bool
	pick  bool
}

// Execute builds the command tree and runs it with args.
func Execute(ctx context.Context, args []string, stdout io.Writer) error {
	root := NewRootCommand(stdout)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCommand returns the biotap command tree writing results to stdout.
func NewRootCommand(stdout io.Writer) *cobra.Command {
	buildInfo := build.GetBuildFlags()
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         buildInfo.Description,
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, opts)
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Configuration file (YAML or TOML). Defaults to biotap.yaml, biotap.yml or biotap.toml if present")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"Log level: debug, info, warn or error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Detect taps from a live source and show the meter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, opts)
		},
	}

	calibrateCmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Measure the signal and print a calibrated threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalibrate(cmd, opts)
		},
	}

	replayCmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Detect taps in a recorded WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.source = config.SourceWAV
			opts.file = args[0]
			return runReplay(cmd, opts)
		},
	}

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.pick {
				return pickDevice(cmd.OutOrStdout())
			}
			return audio.ListDevices(cmd.OutOrStdout())
		},
	}
	devicesCmd.Flags().BoolVar(&opts.pick, "pick", false, "Choose a device interactively and print the flags to use it")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), build.GetBuildFlags().String())
		},
	}

	for _, c := range []*cobra.Command{rootCmd, runCmd, calibrateCmd} {
		addSourceFlags(c, opts)
		addSignalFlags(c, opts)
	}
	for _, c := range []*cobra.Command{rootCmd, runCmd} {
		c.Flags().BoolVar(&opts.noTUI, "no-tui", false, "Log taps instead of drawing the meter")
		c.Flags().BoolVar(&opts.calibrate, "calibrate", false, "Calibrate once at start-up")
		c.Flags().BoolVarP(&opts.record, "record", "r", false, "Record ingested samples to a WAV file")
		c.Flags().StringVar(&opts.websocket, "ws", "", "Serve meter frames to websocket clients on this address")
		c.Flags().StringVar(&opts.udp, "udp", "", "Send meter packets to this UDP address")
	}
	addSignalFlags(replayCmd, opts)
	replayCmd.Flags().IntVar(&opts.channel, "channel", config.DefaultChannel, "Channel to analyse")
	replayCmd.Flags().BoolVar(&opts.realtime, "realtime", false, "Replay at the file's own pace")
	replayCmd.Flags().BoolVar(&opts.json, "json", false, "Print taps as JSON lines")

	rootCmd.AddCommand(runCmd, calibrateCmd, replayCmd, devicesCmd, versionCmd)
	return rootCmd
}

func addSourceFlags(c *cobra.Command, opts *options) {
	c.Flags().StringVarP(&opts.source, "source", "s", config.DefaultSourceKind,
		"Sample source: synthetic, websocket, mqtt, wav or portaudio")
	c.Flags().StringVar(&opts.url, "url", "", "Websocket URL or MQTT broker URL")
	c.Flags().StringVar(&opts.topic, "topic", "", "MQTT topic")
	c.Flags().StringVar(&opts.file, "file", "", "WAV file to replay")
	c.Flags().IntVar(&opts.channel, "channel", config.DefaultChannel, "Channel to analyse")
	c.Flags().IntVarP(&opts.device, "device", "d", config.DefaultDeviceID,
		"PortAudio input device ID. Use the 'devices' command to see available devices")
	c.Flags().BoolVar(&opts.realtime, "realtime", true, "Pace synthetic and WAV sources in real time")
}

func addSignalFlags(c *cobra.Command, opts *options) {
	c.Flags().Float64Var(&opts.sampleRate, "sample-rate", 0, "Sample rate of the source, in Hertz (Hz)")
	c.Flags().Float64VarP(&opts.threshold, "threshold", "t", 0, "RMS threshold")
	c.Flags().BoolVar(&opts.edge, "edge", false, "Report press and release instead of every triggered tick")
}

// loadConfig loads the configuration file, applies the flags the user set
// and validates the result.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, opts, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if level, ok := applog.ParseLevel(cfg.LogLevel); ok {
		applog.SetLevel(level)
	}
	return cfg, nil
}

// applyFlags copies the flags the user set onto cfg.
func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config) {
	set := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}

	if set("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if set("source") {
		cfg.Source.Kind = opts.source
	}
	if opts.source == config.SourceWAV && opts.file != "" {
		cfg.Source.Kind = config.SourceWAV
	}
	if set("url") {
		cfg.Source.URL = opts.url
	}
	if set("topic") {
		cfg.Source.Topic = opts.topic
	}
	if set("file") || opts.file != "" {
		cfg.Source.File = opts.file
	}
	if set("channel") {
		cfg.Source.Channel = opts.channel
	}
	if set("device") {
		cfg.Source.Device = opts.device
	}
	if set("realtime") {
		cfg.Source.Realtime = opts.realtime
	}
	if set("sample-rate") {
		cfg.Signal.SampleRate = opts.sampleRate
	}
	if set("threshold") {
		cfg.Signal.Threshold = opts.threshold
	}
	if set("edge") {
		cfg.Driver.TriggerMode = config.TriggerLevel
		if opts.edge {
			cfg.Driver.TriggerMode = config.TriggerEdge
		}
	}
	if set("calibrate") {
		cfg.Calibration.Auto = opts.calibrate
	}
	if set("record") {
		cfg.Recording.Enabled = opts.record
	}
	if set("ws") {
		cfg.Transport.WebSocketEnabled = true
		cfg.Transport.WebSocketAddress = opts.websocket
	}
	if set("udp") {
		cfg.Transport.UDPEnabled = true
		cfg.Transport.UDPTargetAddress = opts.udp
	}
}

// reloader returns the watcher callback for a running app. Flags the user
// set keep winning over the file, and each edit is compared with the one
// before it. Callbacks run on the watcher goroutine one at a time.
func reloader(cmd *cobra.Command, opts *options, a *app) func(*config.Config) {
	prev := *a.cfg
	return func(c *config.Config) {
		next := *c
		applyFlags(cmd, opts, &next)
		if err := next.Validate(); err != nil {
			logger.Warnf("Reload of %s ignored: %v", c.Path, err)
			return
		}
		a.reload(&prev, &next)
		prev = next
	}
}

// runEngine runs the detector against the configured source until
// interrupted, drawing the meter unless --no-tui is set.
func runEngine(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	cfg.TUIMode = !opts.noTUI

	if cfg.TUIMode {
		logPath := filepath.Join(os.TempDir(), "biotap.log")
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		applog.SetOutput(f)
		defer applog.SetOutput(os.Stderr)
		fmt.Fprintf(cmd.ErrOrStderr(), "Logging to %s\n", logPath)
	}

	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if cfg.Path != "" {
		w, err := config.NewWatcher(cfg)
		if err != nil {
			return err
		}
		w.OnChange(reloader(cmd, opts, a))
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Close()
	}

	if cfg.Calibration.Auto {
		if _, err := a.driver.StartCalibration(); err != nil {
			return err
		}
	}

	if !cfg.TUIMode {
		return a.Run(ctx)
	}

	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	uiErr := tui.StartMeterUI(a.driver, cfg.Source.Kind)
	cancel()
	return errors.Join(uiErr, <-errc)
}

// calibrationOutput is printed by the calibrate command in configuration
// file layout so it can be pasted into biotap.yaml.
type calibrationOutput struct {
	Signal struct {
		Threshold float64 `yaml:"threshold"`
	} `yaml:"signal"`
	Observed struct {
		MaxRMS    float64 `yaml:"max_rms"`
		MeanRMS   float64 `yaml:"mean_rms"`
		StdDevRMS float64 `yaml:"stddev_rms"`
		Readings  int     `yaml:"readings"`
	} `yaml:"observed"`
}

// runCalibrate runs one calibration session and prints the threshold.
func runCalibrate(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	// Recordings and generated signals replayed faster than real time
	// calibrate against their own sample clock.
	offline := !cfg.Source.Realtime &&
		(cfg.Source.Kind == config.SourceWAV || cfg.Source.Kind == config.SourceSynthetic)

	a, err := newApp(cfg, offline)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// The session starts before the source so a short file cannot finish
	// first. The channel closes without a result if Run exits early.
	results, err := a.driver.StartCalibration()
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	fmt.Fprintf(cmd.ErrOrStderr(), "Calibrating for %s: flex as hard as you will when tapping...\n", cfg.Calibration.Duration)
	res, ok := <-results
	cancel()
	if err := <-errc; err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("calibrate: %w", driver.ErrStopped)
	}
	if !res.Applied {
		return errors.New("calibration saw no signal; threshold unchanged")
	}

	var out calibrationOutput
	out.Signal.Threshold = res.NewThreshold
	out.Observed.MaxRMS = res.MaxRMS
	out.Observed.MeanRMS = res.MeanRMS
	out.Observed.StdDevRMS = res.StdDevRMS
	out.Observed.Readings = res.Readings

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}

// runReplay detects taps in a WAV file. Without --realtime the clock follows
// the file, so replay runs as fast as the file decodes.
func runReplay(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	cfg.Source.Realtime = opts.realtime
	cfg.Driver.PublishInterval = 0
	cfg.Transport.WebSocketEnabled = false
	cfg.Transport.UDPEnabled = false
	cfg.Recording.Enabled = false

	var extra []transport.Transport
	if opts.json {
		extra = append(extra, transport.NewWriterTransport(cmd.OutOrStdout()))
	}

	a, err := newApp(cfg, !opts.realtime, extra...)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Run(cmd.Context()); err != nil {
		return err
	}
	if !opts.json {
		fmt.Fprintf(cmd.OutOrStdout(), "%d taps in %s\n", a.driver.Taps(), cfg.Source.File)
	}
	return nil
}

// pickDevice runs the device picker and prints the flags for the selection.
func pickDevice(w io.Writer) error {
	sel, ok, err := tui.PickDevice()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	fmt.Fprintf(w, "--source %s --device %d --sample-rate %.0f\n", config.SourcePortAudio, sel.Device.ID, sel.SampleRate)
	return nil
}
