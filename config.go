package flintkv

import (
	"log/slog"
	"os"

	"github.com/i5heu/flintkv/pkg/checksum"
)

// Default arena sizes. Both are constructor-time bounds; the store never
// allocates per operation.
const (
	DefaultMaxEntries       = 256
	DefaultMaxUsableSectors = 256
)

// DefaultMagic identifies the entry format dialect. Deployments should pick
// their own magic so images cannot be read with a mismatched configuration.
const DefaultMagic uint32 = 0xB3D4C0D3

// Format fixes the on-flash dialect of a store: the magic constant and the
// integrity capability. Every instance opening the same partition must use
// the same Format.
type Format struct {
	Magic uint32

	// Checksum guards entry integrity. Nil selects CRC-16. checksum.Null
	// disables integrity checking entirely; with it, any plausible header
	// is accepted.
	Checksum checksum.Checksum
}

func (f Format) withDefaults() Format {
	if f.Magic == 0 {
		f.Magic = DefaultMagic
	}
	if f.Checksum == nil {
		f.Checksum = checksum.NewCrc16()
	}
	return f
}

// Config configures a store instance.
type Config struct {
	// MaxEntries bounds the key descriptor index. 0 selects
	// DefaultMaxEntries.
	MaxEntries int

	// MaxUsableSectors bounds the sector table. The partition must not
	// have more sectors than this. 0 selects DefaultMaxUsableSectors.
	MaxUsableSectors int

	// Logger is an optional structured logger. If nil, a stderr text
	// logger at Info level is used. The hot path only logs faults and GC
	// events.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxEntries == 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.MaxUsableSectors == 0 {
		c.MaxUsableSectors = DefaultMaxUsableSectors
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	return c
}

// defaultLogger returns a logger that writes text logs to stderr at Info
// level. Applications can inject their own slog.Logger for JSON, different
// levels, etc.
func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}
