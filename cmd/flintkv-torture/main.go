// Command flintkv-torture hammers a store on a fault-free in-memory
// device with a random Put/Delete/Get/Init workload and cross-checks
// every result against a BadgerDB oracle holding the same data.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/shirou/gopsutil/mem"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/flintkv"
	"github.com/i5heu/flintkv/pkg/devconfig"
	"github.com/i5heu/flintkv/pkg/status"
)

var log = logrus.New()

func main() {
	ops := flag.Int("ops", 20000, "number of random operations")
	seed := flag.Int64("seed", 1, "workload seed")
	configPath := flag.String("config", "", "YAML device geometry (optional)")
	initEvery := flag.Int("init-every", 500, "force a rescan every N operations (0 disables)")
	flag.Parse()

	reportHostMemory()

	cfg := devconfig.Default()
	if *configPath != "" {
		var err error
		cfg, err = devconfig.Load(*configPath)
		if err != nil {
			log.Fatalf("loading geometry: %v", err)
		}
	}

	if err := run(cfg, *ops, *seed, *initEvery); err != nil {
		log.Fatalf("torture run failed: %v", err)
	}
	log.Info("torture run passed")
}

func reportHostMemory() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Warnf("host memory stats unavailable: %v", err)
		return
	}
	log.WithFields(logrus.Fields{
		"totalMB":     vm.Total / (1 << 20),
		"availableMB": vm.Available / (1 << 20),
		"usedPercent": fmt.Sprintf("%.1f", vm.UsedPercent),
	}).Info("host memory")
}

func run(cfg devconfig.Config, ops int, seed int64, initEvery int) error {
	oracleDir, err := os.MkdirTemp("", "flintkv-oracle-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(oracleDir)

	opts := badger.DefaultOptions(oracleDir)
	opts.Logger = nil
	oracle, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening oracle: %w", err)
	}
	defer oracle.Close()

	_, part, err := cfg.Build()
	if err != nil {
		return err
	}
	if err := part.Erase(); err != nil {
		return err
	}
	kvs, err := flintkv.New(part, flintkv.Format{}, flintkv.Config{
		MaxEntries:       cfg.MaxEntries,
		MaxUsableSectors: cfg.MaxUsableSectors,
	})
	if err != nil {
		return err
	}
	if err := kvs.Init(); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(seed))
	keys := make([][]byte, 48)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("torture-key-%02d", i))
	}
	maxValue := int(part.SectorSize()) / 8

	for i := 0; i < ops; i++ {
		key := keys[rng.Intn(len(keys))]
		switch rng.Intn(10) {
		case 0, 1, 2, 3: // put
			value := make([]byte, rng.Intn(maxValue))
			rng.Read(value)
			err := kvs.Put(key, value)
			if errors.Is(err, status.ErrResourceExhausted) {
				continue
			}
			if err != nil {
				return fmt.Errorf("op %d: put %q: %w", i, key, err)
			}
			if err := oracle.Update(func(txn *badger.Txn) error {
				return txn.Set(key, value)
			}); err != nil {
				return fmt.Errorf("op %d: oracle set: %w", i, err)
			}
		case 4, 5: // delete
			err := kvs.Delete(key)
			if errors.Is(err, status.ErrNotFound) {
				if oracleHas(oracle, key) {
					return fmt.Errorf("op %d: delete %q: store lost the key", i, key)
				}
				continue
			}
			if errors.Is(err, status.ErrResourceExhausted) {
				continue
			}
			if err != nil {
				return fmt.Errorf("op %d: delete %q: %w", i, key, err)
			}
			if err := oracle.Update(func(txn *badger.Txn) error {
				return txn.Delete(key)
			}); err != nil {
				return fmt.Errorf("op %d: oracle delete: %w", i, err)
			}
		default: // get
			if err := checkKey(kvs, oracle, key, part.SectorSize()); err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
		}

		if initEvery > 0 && i%initEvery == initEvery-1 {
			if err := kvs.Init(); err != nil {
				return fmt.Errorf("op %d: rescan: %w", i, err)
			}
		}
		if i%1000 == 999 {
			log.WithFields(logrus.Fields{
				"ops":  i + 1,
				"keys": kvs.Size(),
			}).Info("progress")
		}
	}

	for _, key := range keys {
		if err := checkKey(kvs, oracle, key, part.SectorSize()); err != nil {
			return fmt.Errorf("final sweep: %w", err)
		}
	}
	kvs.LogStats()
	return nil
}

func oracleHas(db *badger.DB, key []byte) bool {
	err := db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	return err == nil
}

// checkKey compares the store's answer for key against the oracle's.
func checkKey(kvs *flintkv.KVS, oracle *badger.DB, key []byte, bufSize uint32) error {
	out := make([]byte, bufSize)
	n, kvsErr := kvs.Get(key, out)

	var want []byte
	oracleErr := oracle.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		want, err = item.ValueCopy(nil)
		return err
	})

	switch {
	case errors.Is(oracleErr, badger.ErrKeyNotFound):
		if !errors.Is(kvsErr, status.ErrNotFound) {
			return fmt.Errorf("get %q: want NotFound, got n=%d err=%v", key, n, kvsErr)
		}
		return nil
	case oracleErr != nil:
		return fmt.Errorf("oracle get %q: %w", key, oracleErr)
	case kvsErr != nil:
		return fmt.Errorf("get %q: oracle has %d bytes, store answered: %w",
			key, len(want), kvsErr)
	case !bytes.Equal(out[:n], want):
		return fmt.Errorf("get %q: value mismatch (%d vs %d bytes)", key, n, len(want))
	}
	return nil
}
