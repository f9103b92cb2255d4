// Package flogfsconfig loads the device geometry and runtime options a
// flogfs volume is formatted or mounted with, layering defaults, a
// config file, and environment variables the way the teacher's
// vconvert config loader layers viper sources.
package flogfsconfig

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/vorteil/flogfs/pkg/layout"
)

const (
	// EnvPrefix is the prefix recognized for environment variable
	// overrides, e.g. FLOGFS_SECTOR_SIZE.
	EnvPrefix = "FLOGFS"

	// FileName is the config file base name viper searches for.
	FileName = "flogfs"
)

// Config is everything needed to format or mount a volume beyond the
// device image itself.
type Config struct {
	Geometry layout.Geometry

	// DevicePath is the backing file or block device filedriver opens.
	DevicePath string
}

// Load builds a Config from layout.DefaultGeometry, a config file (if
// cfgFile is non-empty, that path; otherwise "./flogfs.yaml" if
// present), and FLOGFS_-prefixed environment variables, in ascending
// priority.
func Load(cfgFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return Config{}, errors.Wrapf(err, "reading config file %q", cfgFile)
		}
	}

	cfg := Config{
		Geometry: layout.Geometry{
			SectorSize:     v.GetInt("sector_size"),
			SectorsPerPage: v.GetInt("sectors_per_page"),
			PagesPerBlock:  v.GetInt("pages_per_block"),
			NumBlocks:      v.GetInt("num_blocks"),
			MaxFnameLen:    v.GetInt("max_fname_len"),
			PreallocSize:   v.GetInt("prealloc_size"),
		},
		DevicePath: v.GetString("device"),
	}

	if err := cfg.Geometry.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid geometry")
	}
	if cfg.DevicePath == "" {
		return Config{}, fmt.Errorf("flogfsconfig: device path must be set")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := layout.DefaultGeometry()
	v.SetDefault("sector_size", d.SectorSize)
	v.SetDefault("sectors_per_page", d.SectorsPerPage)
	v.SetDefault("pages_per_block", d.PagesPerBlock)
	v.SetDefault("num_blocks", d.NumBlocks)
	v.SetDefault("max_fname_len", d.MaxFnameLen)
	v.SetDefault("prealloc_size", d.PreallocSize)
	v.SetDefault("device", "")
}
