package devconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGeometry(t *testing.T) {
	c := Default()
	assert.EqualValues(t, 4096, c.SectorSize)
	assert.EqualValues(t, 8, c.SectorCount)
	assert.EqualValues(t, 16, c.Alignment)
	assert.EqualValues(t, 8, c.PartitionSectors, "partition covers the device")
	assert.EqualValues(t, 16, c.PartitionAlign)
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geometry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"sectorSize: 1024\npartitionStart: 2\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 1024, c.SectorSize)
	assert.EqualValues(t, 8, c.SectorCount)
	assert.EqualValues(t, 2, c.PartitionStart)
	assert.EqualValues(t, 6, c.PartitionSectors, "remaining sectors after the start")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	dev, part, err := Default().Build()
	require.NoError(t, err)
	assert.NotNil(t, dev)
	assert.EqualValues(t, 4096, part.SectorSize())
	assert.EqualValues(t, 8, part.SectorCount())

	bad := Config{SectorSize: 512, SectorCount: 4, Alignment: 16,
		PartitionStart: 4, PartitionSectors: 1, PartitionAlign: 16}
	_, _, err = bad.Build()
	assert.Error(t, err)
}
