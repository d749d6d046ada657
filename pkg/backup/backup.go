// Package backup snapshots a flash partition's raw contents into an
// lzma-compressed stream and restores it. Host-side tooling only; restore
// erases the partition, so it must never run against a store in use.
package backup

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"

	"github.com/i5heu/flintkv/pkg/flash"
)

// Snapshot reads the whole partition and writes it compressed to w.
func Snapshot(p *flash.Partition, w io.Writer) error {
	raw := make([]byte, p.Size())
	if err := p.Read(0, raw); err != nil {
		return fmt.Errorf("backup: reading partition: %w", err)
	}
	lw, err := lzma.NewWriter(w)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if _, err := lw.Write(raw); err != nil {
		return fmt.Errorf("backup: compressing image: %w", err)
	}
	if err := lw.Close(); err != nil {
		return fmt.Errorf("backup: closing stream: %w", err)
	}
	return nil
}

// Restore erases the partition and writes the decompressed image back,
// one sector at a time. Sectors that are fully erased in the image are
// skipped. The image size must match the partition size exactly.
func Restore(p *flash.Partition, r io.Reader) error {
	lr, err := lzma.NewReader(r)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(lr); err != nil {
		return fmt.Errorf("restore: decompressing image: %w", err)
	}
	raw := buf.Bytes()
	if uint32(len(raw)) != p.Size() {
		return fmt.Errorf("restore: image is %d bytes, partition is %d",
			len(raw), p.Size())
	}
	if err := p.Erase(); err != nil {
		return fmt.Errorf("restore: erasing partition: %w", err)
	}
	ss := p.SectorSize()
	for s := uint32(0); s < p.SectorCount(); s++ {
		sector := raw[s*ss : (s+1)*ss]
		if erased(sector) {
			continue
		}
		if err := p.Write(s*ss, sector); err != nil {
			return fmt.Errorf("restore: writing sector %d: %w", s, err)
		}
	}
	return nil
}

func erased(b []byte) bool {
	for _, v := range b {
		if v != flash.ErasedByte {
			return false
		}
	}
	return true
}
