package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vorteil/flogfs/pkg/filedriver"
	"github.com/vorteil/flogfs/pkg/flogfsconfig"
)

// injectCmd simulates the hardware fault pkg/memdriver's bad-block
// flag stands in for during tests: flipping a block's bit in the
// on-disk bad-block bitmap, the way a scrub routine would after a
// program/erase failure, so fsck/mount's bad-block handling can be
// exercised against a real file-backed image.
var injectCmd = &cobra.Command{
	Use:   "inject BLOCK",
	Short: "flag a block as bad, simulating a hardware scrub event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		block, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("inject: %q is not a block number: %w", args[0], err)
		}

		cfg, err := flogfsconfig.Load(flagConfig)
		if err != nil {
			return err
		}
		drv, err := filedriver.Open(cfg.DevicePath, cfg.Geometry)
		if err != nil {
			return err
		}
		defer drv.Close()

		if block < 0 || block >= cfg.Geometry.NumBlocks {
			return fmt.Errorf("inject: block %d out of range (0-%d)", block, cfg.Geometry.NumBlocks-1)
		}
		if err := drv.MarkBad(block); err != nil {
			return err
		}
		log.Infof("marked block %d bad on %s", block, cfg.DevicePath)
		return nil
	},
}
