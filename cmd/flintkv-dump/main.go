// Command flintkv-dump loads a raw partition image and prints every entry
// the codec can decode, including superseded copies and entries whose
// checksum no longer matches. It never modifies the image.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"unicode"

	"github.com/i5heu/flintkv"
	"github.com/i5heu/flintkv/internal/entry"
	"github.com/i5heu/flintkv/pkg/checksum"
	"github.com/i5heu/flintkv/pkg/devconfig"
	"github.com/i5heu/flintkv/pkg/flash"
	"github.com/i5heu/flintkv/pkg/logging"
)

func main() {
	imagePath := flag.String("image", "", "raw device image file")
	configPath := flag.String("config", "", "YAML device geometry (optional)")
	magicStr := flag.String("magic", "", "entry magic as hex (default: the built-in magic)")
	checksumName := flag.String("checksum", "crc16", "entry checksum: crc16, xxhash64 or null")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := logging.New(level)

	if *imagePath == "" {
		log.Error("no image file given, see -help")
		os.Exit(2)
	}

	cfg := devconfig.Default()
	if *configPath != "" {
		var err error
		cfg, err = devconfig.Load(*configPath)
		if err != nil {
			log.Error("loading geometry", "err", err)
			os.Exit(1)
		}
	}

	magic := flintkv.DefaultMagic
	if *magicStr != "" {
		v, err := strconv.ParseUint(*magicStr, 16, 32)
		if err != nil {
			log.Error("parsing magic", "err", err)
			os.Exit(2)
		}
		magic = uint32(v)
	}
	ck, err := checksumByName(*checksumName)
	if err != nil {
		log.Error("selecting checksum", "err", err)
		os.Exit(2)
	}

	if err := dump(log, cfg, *imagePath, magic, ck); err != nil {
		log.Error("dump failed", "err", err)
		os.Exit(1)
	}
}

func checksumByName(name string) (checksum.Checksum, error) {
	switch name {
	case "crc16":
		return checksum.NewCrc16(), nil
	case "xxhash64":
		return checksum.NewXxhash64(), nil
	case "null":
		return checksum.Null{}, nil
	}
	return nil, fmt.Errorf("unknown checksum %q", name)
}

func dump(log *slog.Logger, cfg devconfig.Config, imagePath string, magic uint32, ck checksum.Checksum) error {
	raw, err := os.ReadFile(imagePath)
	if err != nil {
		return err
	}
	dev, part, err := cfg.Build()
	if err != nil {
		return err
	}
	if uint32(len(raw)) != flash.DeviceSize(dev) {
		return fmt.Errorf("image is %d bytes, device geometry wants %d",
			len(raw), flash.DeviceSize(dev))
	}
	dev.Restore(raw)

	codec, err := entry.NewCodec(magic, ck, part.Alignment())
	if err != nil {
		return err
	}
	scratch := make([]byte, part.SectorSize())

	var entries, corrupt int
	for s := uint32(0); s < part.SectorCount(); s++ {
		e, c := dumpSector(log, part, codec, s, scratch)
		entries += e
		corrupt += c
	}
	log.Info("image scanned",
		"sectors", part.SectorCount(),
		"entries", entries,
		"checksumFailures", corrupt,
	)
	return nil
}

// dumpSector walks one sector the same way the store's scan does, but
// reports checksum failures instead of silently skipping them.
func dumpSector(log *slog.Logger, part *flash.Partition, codec *entry.Codec, s uint32, scratch []byte) (entries, corrupt int) {
	base := s * part.SectorSize()
	hs := codec.HeaderSize()
	var off uint32
	for off+hs <= part.SectorSize() {
		addr := base + off
		win := scratch[:hs]
		if err := part.Read(addr, win); err != nil {
			log.Error("read failed", "addr", fmt.Sprintf("%#x", addr), "err", err)
			return
		}
		if allErased(win) {
			rest, err := part.IsErased(addr, part.SectorSize()-off, scratch)
			if err != nil {
				log.Error("read failed", "addr", fmt.Sprintf("%#x", addr), "err", err)
				return
			}
			if rest {
				return
			}
			off += codec.Alignment()
			continue
		}
		hdr, err := codec.ParseHeader(win)
		if err != nil {
			log.Debug("undecodable bytes", "addr", fmt.Sprintf("%#x", addr))
			off += codec.Alignment()
			continue
		}
		size := codec.Size(hdr)
		if off+size > part.SectorSize() {
			log.Debug("entry overruns sector", "addr", fmt.Sprintf("%#x", addr))
			off += codec.Alignment()
			continue
		}
		verifyErr := codec.Verify(part, addr, hdr, scratch)

		key := make([]byte, hdr.KeyLength)
		if err := codec.ReadKey(part, addr, hdr, key); err != nil {
			log.Error("key read failed", "addr", fmt.Sprintf("%#x", addr), "err", err)
			return
		}
		attrs := []any{
			"addr", fmt.Sprintf("%#x", addr),
			"sector", s,
			"txID", hdr.TxID,
			"key", printable(key),
			"valueSize", hdr.ValueLength,
			"tombstone", hdr.Tombstone,
		}
		if verifyErr != nil {
			corrupt++
			log.Warn("entry with bad checksum", attrs...)
		} else {
			entries++
			log.Info("entry", attrs...)
		}
		off += size
	}
	return
}

// printable renders a key for log output, hex-escaping non-text bytes.
func printable(key []byte) string {
	for _, b := range key {
		if b > unicode.MaxASCII || !unicode.IsPrint(rune(b)) {
			return fmt.Sprintf("%x", key)
		}
	}
	return string(key)
}

func allErased(b []byte) bool {
	for _, v := range b {
		if v != flash.ErasedByte {
			return false
		}
	}
	return true
}
