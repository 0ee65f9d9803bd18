package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"picshrink/internal/codec"
	"picshrink/internal/logging"
	"picshrink/internal/pipeline"
	"picshrink/internal/policy"
	"picshrink/internal/stats"
	"picshrink/internal/tui"
)

var (
	convertPreset        string
	convertPresetFile    string
	convertFormat        string
	convertQuality       string
	convertLossless      bool
	convertJXLFall       bool
	convertMinWidth      string
	convertSkip          string
	convertBlacklist     string
	convertBlacklistFile string
	convertInfinite      bool
	convertInterval      string
	convertClipboard     bool
	convertWorkers       string
	convertFailMode      string
	convertLogFile       string
	convertLogLevel      string
	convertQuiet         bool
)

var convertCmd = &cobra.Command{
	Use:   "convert [flags] <path>...",
	Short: "Convert images under the given paths to AVIF or JXL",
	Long: "convert resolves a preset (plus any flag overrides) into a conversion policy, " +
		"then enumerates the given files, directories, and zip archives and converts every " +
		"eligible image. Archives are repacked in place atomically; originals are only " +
		"replaced on a fully staged result.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := policy.Builtin()
		if convertPresetFile != "" {
			extra, err := policy.LoadFile(convertPresetFile)
			if err != nil {
				return err
			}
			store = store.Merge(extra)
		}

		ov := overridesFromFlags(cmd)

		log, closeLog, err := logging.New(logging.Options{Level: convertLogLevel, Path: convertLogFile})
		if err != nil {
			return err
		}
		defer func() { _ = closeLog() }()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		st := stats.New(stats.DefaultWindow)
		eventCh := make(chan pipeline.Event, 256)

		runner := &pipeline.Runner{
			Store:     store,
			Preset:    convertPreset,
			Overrides: ov,
			Codec:     codec.NewToolCodec(),
			Stats:     st,
			Events:    pipeline.NewEvents(eventCh),
			Log:       log,
			Source:    pipeline.StaticSource(args),
		}

		var program *tea.Program
		uiDone := make(chan struct{})
		if convertQuiet {
			close(uiDone)
			go drainEvents(eventCh)
		} else {
			model := tui.NewModel(eventCh, st, cancel)
			program = tea.NewProgram(model)
			go func() {
				_, _ = program.Run()
				// The dashboard quitting (q / ctrl+c already cancelled) must
				// not wedge emitters on a full channel.
				go drainEvents(eventCh)
				close(uiDone)
			}()
		}

		report, runErr := runner.Run(ctx)

		close(eventCh)
		<-uiDone

		fmt.Fprintln(os.Stdout, tui.RenderSummary(report))
		return runErr
	},
}

// overridesFromFlags turns only the flags the user actually set into policy
// overrides, so preset values survive untouched defaults.
func overridesFromFlags(cmd *cobra.Command) policy.Overrides {
	ov := policy.Overrides{
		Flags:  map[string]bool{},
		Inputs: map[string]string{},
	}

	setInput := func(flag, key, value string) {
		if cmd.Flags().Changed(flag) {
			ov.Inputs[key] = value
		}
	}
	setFlag := func(flag, key string, value bool) {
		if cmd.Flags().Changed(flag) {
			ov.Flags[key] = value
		}
	}

	setInput("format", "format", convertFormat)
	setInput("quality", "quality", convertQuality)
	setInput("min-width", "min_width", convertMinWidth)
	setInput("skip", "skip", convertSkip)
	setInput("blacklist", "blacklist", convertBlacklist)
	setInput("blacklist-file", "blacklist_file", convertBlacklistFile)
	setInput("interval", "interval", convertInterval)
	setInput("workers", "workers", convertWorkers)
	setInput("fail-mode", "fail_mode", convertFailMode)

	setFlag("lossless", "lossless", convertLossless)
	setFlag("jxlfall", "jxlfall", convertJXLFall)
	setFlag("infinite", "infinite", convertInfinite)
	setFlag("clipboard", "clipboard", convertClipboard)

	return ov
}

func drainEvents(events <-chan pipeline.Event) {
	for range events {
	}
}

func init() {
	convertCmd.Flags().StringVarP(&convertPreset, "preset", "p", "", "named preset to start from")
	convertCmd.Flags().StringVar(&convertPresetFile, "preset-file", "", "TOML file with additional presets")
	convertCmd.Flags().StringVarP(&convertFormat, "format", "f", "", "target format (avif|jxl)")
	convertCmd.Flags().StringVarP(&convertQuality, "quality", "q", "", "encode quality 0-100")
	convertCmd.Flags().BoolVar(&convertLossless, "lossless", false, "encode losslessly")
	convertCmd.Flags().BoolVar(&convertJXLFall, "jxlfall", false, "retry failed AVIF encodes as lossless JXL")
	convertCmd.Flags().StringVar(&convertMinWidth, "min-width", "", "skip images narrower than this many pixels")
	convertCmd.Flags().StringVar(&convertSkip, "skip", "", "comma-separated extensions to skip (e.g. .avif,.jxl)")
	convertCmd.Flags().StringVar(&convertBlacklist, "blacklist", "", "comma-separated name substrings to skip")
	convertCmd.Flags().StringVar(&convertBlacklistFile, "blacklist-file", "", "JSON file of archives to never touch")
	convertCmd.Flags().BoolVar(&convertInfinite, "infinite", false, "re-enumerate the paths forever")
	convertCmd.Flags().StringVar(&convertInterval, "interval", "", "seconds between rounds in infinite mode")
	convertCmd.Flags().BoolVar(&convertClipboard, "clipboard", false, "mark the run as clipboard-driven")
	convertCmd.Flags().StringVarP(&convertWorkers, "workers", "w", "", "conversion worker count (default: CPU count)")
	convertCmd.Flags().StringVar(&convertFailMode, "fail-mode", "", "failed archive member handling (keep|abort)")
	convertCmd.Flags().StringVar(&convertLogFile, "log-file", "", "append JSON logs to this file")
	convertCmd.Flags().StringVar(&convertLogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	convertCmd.Flags().BoolVar(&convertQuiet, "quiet", false, "disable the dashboard, print only the summary")

	rootCmd.AddCommand(convertCmd)
}
