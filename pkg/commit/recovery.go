package commit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/colstore/bbp/pkg/farm"
	"github.com/colstore/bbp/pkg/ledger"
	"github.com/colstore/bbp/pkg/log"
	"github.com/colstore/bbp/pkg/metrics"
	"github.com/colstore/bbp/pkg/slot"
)

// Recover runs the crash-recovery walk for every on-disk
// farm: fold any SUBCOMMIT staging into BACKUP, restore the catalog if a
// commit died mid-rename, reconcile BACKUP's contents back into the live
// tree (or quarantine them), then scan the live tree for stray files.
// Called on startup and immediately before every Sync.
func Recover(farms *farm.Registry, table *slot.Table, lg *ledger.Ledger) error {
	for _, f := range farms.All() {
		if f.InMemory() {
			continue
		}
		if err := recoverFarm(f, table, lg); err != nil {
			return fmt.Errorf("farm %s: %w", f.Name, err)
		}
		if err := diskScan(f, table, lg); err != nil {
			return fmt.Errorf("farm %s: disk scan: %w", f.Name, err)
		}
	}
	return nil
}

func recoverFarm(f farm.Farm, table *slot.Table, lg *ledger.Ledger) error {
	bak := filepath.Join(f.Dir, farm.BackupDir)
	sub := filepath.Join(f.Dir, farm.SubDir)
	bat := filepath.Join(f.Dir, farm.BatDir)
	left := filepath.Join(f.Dir, farm.LeftDir)
	catalogPath := filepath.Join(f.Dir, farm.CatalogFile)

	// Step 1: fold SUBCOMMIT into BACKUP.
	if entries, err := os.ReadDir(sub); err == nil {
		for _, e := range entries {
			if err := os.Rename(filepath.Join(sub, e.Name()), filepath.Join(bak, e.Name())); err != nil {
				return fmt.Errorf("fold subcommit entry %s: %w", e.Name(), err)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read subcommit dir: %w", err)
	}
	if err := os.MkdirAll(sub, 0o755); err != nil {
		return err
	}

	// Step 2: a crash mid-commit left the pre-image catalog in BACKUP;
	// restore it as the live catalog, moving the stale live one aside.
	bakCatalog := filepath.Join(bak, farm.CatalogFile)
	if _, err := os.Stat(bakCatalog); err == nil {
		if _, err := os.Stat(catalogPath); err == nil {
			if err := os.Rename(catalogPath, catalogPath+".bak"); err != nil {
				return fmt.Errorf("move stale live catalog aside: %w", err)
			}
		}
		if err := os.Rename(bakCatalog, catalogPath); err != nil {
			return fmt.Errorf("restore catalog from backup: %w", err)
		}
		recoveryLogger := log.WithComponent("commit")
		recoveryLogger.Warn().Str("farm", f.Name).
			Msg("recovered catalog from interrupted commit")
	}

	// Step 3: walk BACKUP, reconciling every remaining file.
	entries, err := os.ReadDir(bak)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(bak, 0o755)
		}
		return fmt.Errorf("read backup dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue // SUBCOMMIT itself, already folded up above
		}
		if name == farm.CatalogFile {
			continue // handled in step 2
		}
		full := filepath.Join(bak, name)

		if strings.HasSuffix(name, ".kill") {
			liveNew := strings.TrimSuffix(name, ".kill")
			id, ok := idFromBasename(name)
			if ok {
				_ = os.Remove(filepath.Join(liveDirFor(bat, id), liveNew))
			}
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove kill marker %s: %w", name, err)
			}
			continue
		}

		id, ok := idFromBasename(name)
		known := ok && id > slot.NilID && id < table.Size()
		if known {
			known = table.Snapshot(id).Status != 0
		}
		if !known {
			if err := quarantine(full, filepath.Join(left, name), id, "recovery: unresolvable backup entry", lg); err != nil {
				return err
			}
			continue
		}

		liveDir := liveDirFor(bat, id)
		if err := os.MkdirAll(liveDir, 0o755); err != nil {
			return err
		}
		dst := filepath.Join(liveDir, name)
		_ = os.Remove(dst) // overwrite if present
		if err := os.Rename(full, dst); err != nil {
			return fmt.Errorf("restore %s to live tree: %w", name, err)
		}
	}

	// Step 4: BACKUP is now fully reconciled; remove and recreate it
	// empty (together with its SUBCOMMIT child) for the next attempt.
	if err := os.RemoveAll(bak); err != nil {
		return fmt.Errorf("remove backup dir: %w", err)
	}
	if err := os.MkdirAll(bak, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(sub, 0o755)
}

// diskScan walks every directory under BATDIR and deletes files that do not belong to
// any known persistent BAT, stopping at the first unexpected filename in
// each directory rather than scanning the whole farm.
func diskScan(f farm.Farm, table *slot.Table, lg *ledger.Ledger) error {
	root := filepath.Join(f.Dir, farm.BatDir)
	special := map[string]bool{"BACKUP": true, "DELETE_ME": true, "LEFTOVERS": true, "TEMP_DIR": true}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read bat dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && special[e.Name()] {
			continue
		}
		full := filepath.Join(root, e.Name())
		if e.IsDir() {
			if err := scanDir(full, table, lg); err != nil {
				return err
			}
			continue
		}
		if err := scanFile(root, e.Name(), table, lg); err != nil {
			return err
		}
	}
	return nil
}

func scanDir(dir string, table *slot.Table, lg *ledger.Ledger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := scanDir(filepath.Join(dir, e.Name()), table, lg); err != nil {
				return err
			}
			continue
		}
		stop, err := scanFileStop(dir, e.Name(), table, lg)
		if err != nil {
			return err
		}
		if stop {
			return nil // first unexpected filename in this directory: stop here
		}
	}
	return nil
}

func scanFile(dir, name string, table *slot.Table, lg *ledger.Ledger) error {
	_, err := scanFileStop(dir, name, table, lg)
	return err
}

// scanFileStop validates one file against the slot table, deleting it and
// returning stop=true if it does not belong to any known, live BAT.
func scanFileStop(dir, name string, table *slot.Table, lg *ledger.Ledger) (bool, error) {
	id, ok := idFromBasename(name)
	valid := ok && id > slot.NilID && id < table.Size()
	if valid {
		valid = table.Snapshot(id).Status.Has(slot.Existing)
	}
	if valid {
		return false, nil
	}
	full := filepath.Join(dir, name)
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove stray file %s: %w", full, err)
	}
	metrics.LeftoversTotal.Inc()
	if lg != nil {
		_ = lg.Record(ledger.Entry{
			OriginalPath:  full,
			DetectedID:    id,
			Reason:        "diskscan: unexpected file, no matching live BAT",
			QuarantinedAt: time.Now().Unix(),
		})
	}
	diskScanLogger := log.WithComponent("commit")
	diskScanLogger.Warn().Str("path", full).Msg("disk scan removed stray file")
	return true, nil
}

// quarantine moves a backup entry that cannot be resolved to a known id
// into LEFTDIR and records why.
func quarantine(src, dst string, id int32, reason string, lg *ledger.Ledger) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := moveOrCopy(src, dst); err != nil {
		return fmt.Errorf("quarantine %s: %w", src, err)
	}
	metrics.LeftoversTotal.Inc()
	if lg != nil {
		_ = lg.Record(ledger.Entry{
			OriginalPath:  dst,
			DetectedID:    id,
			Reason:        reason,
			QuarantinedAt: time.Now().Unix(),
		})
	}
	quarantineLogger := log.WithComponent("commit")
	quarantineLogger.Warn().Str("path", dst).Str("reason", reason).Msg("quarantined leftover file")
	return nil
}

func moveOrCopy(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// liveDirFor returns the directory that holds id's live heap files: the
// radix-tree directory chain of its stem, under bat. Ids below 64 live
// directly in bat itself.
func liveDirFor(bat string, id int32) string {
	return filepath.Dir(filepath.Join(bat, farm.Stem(id)))
}

// idFromBasename derives a slot id from a heap file's basename: the
// stem is an octal encoding of the id (farm.Stem), so the digits before
// the first '.' parse as octal.
func idFromBasename(name string) (int32, bool) {
	prefix := name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		prefix = name[:i]
	}
	n, err := strconv.ParseInt(prefix, 8, 32)
	if err != nil {
		return 0, false
	}
	return int32(n), true
}
