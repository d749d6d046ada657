// Command flintkv-example walks through the store API on an in-memory
// device: basic reads and writes, a restart, and a backup roundtrip.
package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"github.com/i5heu/flintkv"
	"github.com/i5heu/flintkv/pkg/backup"
	"github.com/i5heu/flintkv/pkg/devconfig"
	"github.com/i5heu/flintkv/pkg/logging"
)

func main() {
	log := logging.New(slog.LevelInfo)

	if err := run(log); err != nil {
		log.Error("example failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg := devconfig.Default()
	_, part, err := cfg.Build()
	if err != nil {
		return err
	}
	if err := part.Erase(); err != nil {
		return err
	}

	kvs, err := flintkv.New(part, flintkv.Format{}, flintkv.Config{Logger: log})
	if err != nil {
		return err
	}
	if err := kvs.Init(); err != nil {
		return err
	}

	// Store a few settings the way a device would persist calibration data.
	if err := kvs.Put([]byte("device/serial"), []byte("FK-2024-0001")); err != nil {
		return err
	}
	if err := kvs.Put([]byte("sensor/offset"), []byte{0x12, 0x34}); err != nil {
		return err
	}
	if err := kvs.Put([]byte("sensor/gain"), []byte{0x01}); err != nil {
		return err
	}

	out := make([]byte, part.SectorSize())
	n, err := kvs.Get([]byte("device/serial"), out)
	if err != nil {
		return err
	}
	log.Info("read back", "key", "device/serial", "value", string(out[:n]))

	// Overwrites append a fresh copy; the old bytes become reclaimable.
	if err := kvs.Put([]byte("sensor/gain"), []byte{0x02}); err != nil {
		return err
	}
	if err := kvs.Delete([]byte("sensor/offset")); err != nil {
		return err
	}

	// A rescan rebuilds the index from flash alone.
	if err := kvs.Init(); err != nil {
		return err
	}
	log.Info("after restart", "liveKeys", kvs.Size())

	it := kvs.Items()
	for it.Next() {
		key, err := it.Item().Key()
		if err != nil {
			return err
		}
		size, err := it.Item().ValueSize()
		if err != nil {
			return err
		}
		log.Info("entry", "key", string(key), "valueSize", size)
	}

	// Snapshot the partition, wipe it, restore, and rescan.
	var image bytes.Buffer
	if err := backup.Snapshot(part, &image); err != nil {
		return err
	}
	if err := part.Erase(); err != nil {
		return err
	}
	if err := backup.Restore(part, &image); err != nil {
		return err
	}
	if err := kvs.Init(); err != nil {
		return err
	}

	n, err = kvs.Get([]byte("sensor/gain"), out)
	if err != nil {
		return err
	}
	if n != 1 || out[0] != 0x02 {
		return fmt.Errorf("restored value mismatch: %x", out[:n])
	}
	log.Info("backup roundtrip ok", "compressedBytes", image.Len())

	kvs.LogStats()
	return nil
}
