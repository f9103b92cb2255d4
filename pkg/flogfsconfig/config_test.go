package flogfsconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vorteil/flogfs/pkg/layout"
)

func TestLoadDefaultsWithDeviceOverride(t *testing.T) {
	t.Setenv("FLOGFS_DEVICE", filepath.Join(t.TempDir(), "volume.img"))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, layout.DefaultGeometry(), cfg.Geometry)
	require.NotEmpty(t, cfg.DevicePath)
}

func TestLoadMissingDeviceFails(t *testing.T) {
	t.Setenv("FLOGFS_DEVICE", "")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "flogfs.yaml")
	devicePath := filepath.Join(dir, "volume.img")
	content := "device: " + devicePath + "\nnum_blocks: 64\nsector_size: 256\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	require.Equal(t, devicePath, cfg.DevicePath)
	require.Equal(t, 64, cfg.Geometry.NumBlocks)
	require.Equal(t, 256, cfg.Geometry.SectorSize)
}
