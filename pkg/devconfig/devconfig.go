// Package devconfig loads device and partition geometry for the host
// tools from a YAML file. The embedded target configures the engine with
// plain structs and never reads files.
package devconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/i5heu/flintkv/pkg/flash"
)

// Config describes an in-memory device and the partition carved out of it.
type Config struct {
	SectorSize  uint32 `yaml:"sectorSize"`
	SectorCount uint32 `yaml:"sectorCount"`
	Alignment   uint32 `yaml:"alignment"`

	PartitionStart   uint32 `yaml:"partitionStart"`
	PartitionSectors uint32 `yaml:"partitionSectors"`
	PartitionAlign   uint32 `yaml:"partitionAlign"`

	MaxEntries       int `yaml:"maxEntries"`
	MaxUsableSectors int `yaml:"maxUsableSectors"`
}

func (c Config) withDefaults() Config {
	if c.SectorSize == 0 {
		c.SectorSize = 4096
	}
	if c.SectorCount == 0 {
		c.SectorCount = 8
	}
	if c.Alignment == 0 {
		c.Alignment = 16
	}
	if c.PartitionSectors == 0 {
		c.PartitionSectors = c.SectorCount - c.PartitionStart
	}
	if c.PartitionAlign == 0 {
		c.PartitionAlign = c.Alignment
	}
	return c
}

// Default returns the geometry used when no config file is given.
func Default() Config {
	return Config{}.withDefaults()
}

// Load reads a YAML geometry file and fills in defaults for absent fields.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("devconfig: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("devconfig: parsing %s: %w", path, err)
	}
	return c.withDefaults(), nil
}

// Build creates the in-memory device and partition the config describes.
func (c Config) Build() (*flash.MemDevice, *flash.Partition, error) {
	dev := flash.NewMemDevice(c.SectorSize, c.SectorCount, c.Alignment)
	part, err := flash.NewPartition(dev, c.PartitionStart, c.PartitionSectors, c.PartitionAlign)
	if err != nil {
		return nil, nil, fmt.Errorf("devconfig: %w", err)
	}
	return dev, part, nil
}
