package main

import (
	"context"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vorteil/flogfs/pkg/elog"
	"github.com/vorteil/flogfs/pkg/filedriver"
	"github.com/vorteil/flogfs/pkg/flogfs"
	"github.com/vorteil/flogfs/pkg/flogfsconfig"
)

var log elog.Logger

var (
	flagVerbose bool
	flagDebug   bool
	flagConfig  string
)

var rootCmd = &cobra.Command{
	Use:   "flogfs",
	Short: "format, mount, and inspect a flogfs volume",
}

func init() {
	// On Windows consoles that don't natively understand ANSI escapes,
	// color.Output needs to be the colorable-wrapped stdout instead of
	// os.Stdout directly; on every other platform this is a no-op pass-through.
	color.Output = colorable.NewColorableStdout()

	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default ./flogfs.yaml)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := &elog.CLI{}
		if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
			logger.DisableTTY = true
			logger.DisableColors = true
		}
		logrus.SetFormatter(logger)
		logrus.SetLevel(logrus.TraceLevel)
		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}
		log = logger
		return nil
	}

	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(fsckCmd)
	rootCmd.AddCommand(injectCmd)
	rootCmd.AddCommand(serveCmd)
}

// openMounted loads config, opens the backing file, and mounts the
// volume, returning a cleanup func that closes the driver.
func openMounted(ctx context.Context) (*flogfs.FS, func() error, error) {
	cfg, err := flogfsconfig.Load(flagConfig)
	if err != nil {
		return nil, nil, err
	}
	drv, err := filedriver.Open(cfg.DevicePath, cfg.Geometry)
	if err != nil {
		return nil, nil, err
	}
	fs, err := flogfs.New(drv, cfg.Geometry)
	if err != nil {
		drv.Close()
		return nil, nil, err
	}
	fs.Logger = log
	if err := fs.Mount(ctx); err != nil {
		drv.Close()
		return nil, nil, err
	}
	return fs, drv.Close, nil
}
