// Package commit implements the backup/commit protocol and its matching
// recovery walk: the atomic rename-based group commit that moves a set
// of persistent BATs from "dirty in memory" to "durable on disk" as one
// indivisible step, plus the startup/pre-commit routine that rolls a
// half-finished commit forward or back.
//
// Directory names and phase ordering follow a prepare/sync/recover/
// diskscan split, expressed as a multi-phase method set the way a
// cluster manager's Bootstrap/Join sequence is structured.
package commit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/colstore/bbp/pkg/catalog"
	"github.com/colstore/bbp/pkg/farm"
	"github.com/colstore/bbp/pkg/heap"
	"github.com/colstore/bbp/pkg/ledger"
	"github.com/colstore/bbp/pkg/log"
	"github.com/colstore/bbp/pkg/metrics"
	"github.com/colstore/bbp/pkg/slot"
)

// tailSuffixes covers every filename a tail heap may be stored under:
// wide tails use ".tail", narrow string-offset tails use
// ".tail1"/".tail2"/".tail4". vheapSuffixes has just the one (".theap").
var (
	tailSuffixes  = []string{".tail", ".tail1", ".tail2", ".tail4"}
	vheapSuffixes = []string{".theap"}
)

// BAT is the view the commit protocol needs of a resident BAT: its
// heap collaborators, in the order their dirty flags should be checked.
// Implemented by the engine's BAT descriptor; kept minimal because heap
// storage itself is out of this module's scope.
type BAT interface {
	TailHeap() heap.Heap
	VHeap() (heap.Heap, bool)
}

// Source resolves a slot id to its resident BAT. ok is false when the
// BAT is not currently loaded (SWAPPED or never loaded this session), a
// BAT in that state cannot be dirty, so it contributes no I/O to the
// commit (a dirty-heap short circuit: only resident, dirty BATs pay for
// staging and saving).
type Source interface {
	BAT(id int32) (BAT, bool)
}

// Request describes one call to Sync. A nil/empty IDs slice
// means a full commit; a non-empty slice is the subcommit set.
type Request struct {
	IDs     []int32
	LogNo   int64
	TransID int64
}

// Result reports what a successful Sync actually committed.
type Result struct {
	LogNo     int64
	TransID   int64
	Committed []int32 // ids whose heaps were actually staged and saved
}

// Protocol wires the farm registry, slot table, and BAT source together
// to execute Sync and Recover.
type Protocol struct {
	Farms  *farm.Registry
	Table  *slot.Table
	Source Source
	Ledger *ledger.Ledger // optional; nil disables leftovers auditing
}

// Sync executes the full commit protocol under the TM lock, after
// waiting for any unloads already in flight and running recovery to
// guarantee a clean starting point, the same pre-commit check that runs
// on startup.
func (p *Protocol) Sync(req Request) (Result, error) {
	p.Table.TMLock.Lock()
	defer p.Table.TMLock.Unlock()
	p.Table.WaitInflightUnloads()

	timer := metrics.NewTimer()
	result, err := p.syncLocked(req)
	timer.ObserveDuration(metrics.CommitDuration)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.CommitsTotal.WithLabelValues(outcome).Inc()
	return result, err
}

func (p *Protocol) syncLocked(req Request) (Result, error) {
	if err := Recover(p.Farms, p.Table, p.Ledger); err != nil {
		return Result{}, fmt.Errorf("commit: pre-sync recovery: %w", err)
	}

	primaryID, err := p.Farms.Select(farm.RolePersistent, true)
	if err != nil {
		return Result{}, fmt.Errorf("commit: %w", err)
	}
	primary, _ := p.Farms.Get(primaryID)
	if primary.InMemory() {
		// An all-in-memory persistent farm bypasses the commit protocol
		// entirely; there is nothing to make durable.
		commitLogger := log.WithComponent("commit")
		commitLogger.Info().Msg("sync: in-memory farm, nothing to commit")
		return Result{LogNo: req.LogNo, TransID: req.TransID}, nil
	}

	subcommit := len(req.IDs) > 0
	idSet := make(map[int32]bool, len(req.IDs))
	for _, id := range req.IDs {
		idSet[id] = true
	}

	catalogPath := filepath.Join(primary.Dir, farm.CatalogFile)
	primaryBak := filepath.Join(primary.Dir, farm.BackupDir)
	primarySub := filepath.Join(primary.Dir, farm.SubDir)

	if err := prepareCatalogBackup(catalogPath, primaryBak); err != nil {
		return Result{}, fmt.Errorf("commit: prepare: %w", err)
	}

	var mergeBase map[int32]catalog.Entry
	if subcommit {
		mergeBase, err = stageSubcommitCatalog(primaryBak, primarySub)
		if err != nil {
			return Result{}, fmt.Errorf("commit: prepare subcommit: %w", err)
		}
	}

	var candidates []int32
	p.Table.ForEach(func(id int32, snap slot.Snapshot) {
		if !snap.Status.Has(slot.Persistent) {
			return
		}
		if subcommit && !idSet[id] {
			return
		}
		candidates = append(candidates, id)
	})
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	for _, id := range candidates {
		p.Table.BeginSync(id)
	}
	defer func() {
		for _, id := range candidates {
			p.Table.EndSync(id)
		}
	}()

	_, prevEntriesList, _ := catalog.Load(catalogPath)
	prevEntries := make(map[int32]catalog.Entry, len(prevEntriesList))
	for _, e := range prevEntriesList {
		prevEntries[e.ID] = e
	}

	entries := make([]catalog.Entry, 0, len(candidates))
	var committed []int32
	touchedFarms := map[int]farm.Farm{primaryID: primary}

	for _, id := range candidates {
		snap := p.Table.Snapshot(id)
		f, ok := p.Farms.Get(snap.FarmID)
		if !ok {
			return Result{}, fmt.Errorf("commit: id %d: unknown farm %d", id, snap.FarmID)
		}
		touchedFarms[f.ID] = f

		dirty, err := p.stageAndSave(id, snap, f, subcommit)
		if err != nil {
			return Result{}, err
		}
		if dirty {
			committed = append(committed, id)
			p.Table.ClearRenamed(id)
		}

		entry := entryFromSnapshot(snap, prevEntries[id])
		stem := filepath.Join(f.Dir, farm.BatDir, snap.PhysicalStem)
		if bat, ok := p.Source.BAT(id); ok {
			populateHeapFields(&entry, bat, stem)
		}
		entries = append(entries, entry)
	}

	finalEntries := entries
	if subcommit {
		seen := make(map[int32]bool, len(entries))
		for _, e := range entries {
			seen[e.ID] = true
		}
		for id, e := range mergeBase {
			if !seen[id] {
				finalEntries = append(finalEntries, e)
			}
		}
		sort.Slice(finalEntries, func(i, j int) bool { return finalEntries[i].ID < finalEntries[j].ID })
	}

	hdr := catalog.Header{
		Version:   catalog.CurrentVersion,
		PointerSz: catalog.PointerSize,
		OIDSz:     catalog.OIDSize,
		MaxIntSz:  catalog.MaxIntSize,
		Size:      p.Table.Size(),
		LogNo:     req.LogNo,
		TransID:   req.TransID,
	}
	if err := catalog.Save(catalogPath, hdr, finalEntries); err != nil {
		return Result{}, fmt.Errorf("commit: save catalog: %w", err)
	}

	// Swap: the atomic rename is the linearization point. Every farm
	// touched by this commit gets its own backup->delete rename, since
	// heap files for different BATs can live on different farms.
	for _, f := range touchedFarms {
		if err := swapFarm(f); err != nil {
			return Result{}, fmt.Errorf("commit: swap farm %s: %w", f.Name, err)
		}
	}

	return Result{LogNo: req.LogNo, TransID: req.TransID, Committed: committed}, nil
}

// prepareCatalogBackup ensures bak/BBP.dir exists as a pre-image of the
// current live catalog, copying rather than moving it
// so the live catalog is still readable by anyone not participating in
// this commit.
func prepareCatalogBackup(catalogPath, bakDir string) error {
	bakCatalog := filepath.Join(bakDir, farm.CatalogFile)
	if _, err := os.Stat(bakCatalog); err == nil {
		return nil // already backed up by a previous, not-yet-cleaned-up attempt
	}
	src, err := os.Open(catalogPath)
	if os.IsNotExist(err) {
		return nil // brand-new database, nothing to back up yet
	}
	if err != nil {
		return fmt.Errorf("open live catalog: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(bakDir, 0o755); err != nil {
		return err
	}
	dst, err := os.Create(bakCatalog)
	if err != nil {
		return fmt.Errorf("create catalog pre-image: %w", err)
	}
	if _, err := dst.ReadFrom(src); err != nil {
		dst.Close()
		return fmt.Errorf("copy catalog pre-image: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// stageSubcommitCatalog moves the pre-image copied by prepareCatalogBackup
// into SUBDIR and loads it as the merge base for the final catalog
// write, the pre-image a subcommit's writer merges its new entries into.
func stageSubcommitCatalog(bakDir, subDir string) (map[int32]catalog.Entry, error) {
	if err := os.MkdirAll(subDir, 0o755); err != nil {
		return nil, err
	}
	bakCatalog := filepath.Join(bakDir, farm.CatalogFile)
	subCatalog := filepath.Join(subDir, farm.CatalogFile)
	if _, err := os.Stat(bakCatalog); err == nil {
		if err := os.Rename(bakCatalog, subCatalog); err != nil {
			return nil, err
		}
	}
	merge := make(map[int32]catalog.Entry)
	if _, entries, err := catalog.Load(subCatalog); err == nil {
		for _, e := range entries {
			merge[e.ID] = e
		}
	}
	return merge, nil
}

// stageAndSave stages then saves every dirty heap owned by id, returning
// whether anything was actually dirty.
func (p *Protocol) stageAndSave(id int32, snap slot.Snapshot, f farm.Farm, subcommit bool) (bool, error) {
	bat, resident := p.Source.BAT(id)
	if !resident {
		return false, nil
	}

	stem := filepath.Join(f.Dir, farm.BatDir, snap.PhysicalStem)
	if err := os.MkdirAll(filepath.Dir(stem), 0o755); err != nil {
		return false, fmt.Errorf("create live dir for id %d: %w", id, err)
	}
	stageDir := filepath.Join(f.Dir, farm.BackupDir)
	if subcommit {
		stageDir = filepath.Join(f.Dir, farm.SubDir)
	}

	dirty := false
	if tail := bat.TailHeap(); tail != nil && tail.Dirty() {
		if err := stageHeapFile(stem, stageDir, tailSuffixes, tail.Storage()); err != nil {
			return false, fmt.Errorf("stage tail id %d: %w", id, err)
		}
		if err := tail.SaveHeap(stem); err != nil {
			return false, fmt.Errorf("save tail id %d: %w", id, err)
		}
		dirty = true
	}
	if vh, ok := bat.VHeap(); ok && vh.Dirty() {
		if err := stageHeapFile(stem, stageDir, vheapSuffixes, vh.Storage()); err != nil {
			return false, fmt.Errorf("stage vheap id %d: %w", id, err)
		}
		if err := vh.SaveHeap(stem); err != nil {
			return false, fmt.Errorf("save vheap id %d: %w", id, err)
		}
		dirty = true
	}
	return dirty, nil
}

// stageHeapFile moves the pre-image of one heap's on-disk file(s) out of
// the live tree and into stageDir, under its original basename. A
// ".new" file is preferred over the live file; if
// neither exists and storage is private-anonymous, a zero-byte
// ".new.kill" marker is written instead so recovery knows to delete a
// still-pending ".new" on rollback.
func stageHeapFile(stem, stageDir string, suffixes []string, storage heap.StorageMode) error {
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return err
	}
	base := filepath.Base(stem)

	for _, suf := range suffixes {
		newPath := stem + suf + ".new"
		if _, err := os.Stat(newPath); err == nil {
			return os.Rename(newPath, filepath.Join(stageDir, base+suf+".new"))
		}
	}
	for _, suf := range suffixes {
		livePath := stem + suf
		if _, err := os.Stat(livePath); err == nil {
			return os.Rename(livePath, filepath.Join(stageDir, base+suf))
		}
	}
	if storage == heap.StoragePrivate {
		killPath := filepath.Join(stageDir, base+suffixes[0]+".new.kill")
		return os.WriteFile(killPath, nil, 0o644)
	}
	return nil
}

// swapFarm performs the linearization-point rename and cleanup for one
// farm: BACKUP -> DELETE_ME, remove DELETE_ME,
// recreate an empty BACKUP (and its SUBCOMMIT child).
func swapFarm(f farm.Farm) error {
	bak := filepath.Join(f.Dir, farm.BackupDir)
	del := filepath.Join(f.Dir, farm.DeleteDir)

	if _, err := os.Stat(del); err == nil {
		if err := os.RemoveAll(del); err != nil {
			return fmt.Errorf("clear stale delete dir: %w", err)
		}
	}
	if err := os.Rename(bak, del); err != nil {
		return fmt.Errorf("rename backup to delete: %w", err)
	}
	if err := os.RemoveAll(del); err != nil {
		return fmt.Errorf("remove delete dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(f.Dir, farm.SubDir), 0o755); err != nil {
		return fmt.Errorf("recreate subcommit dir: %w", err)
	}
	return nil
}

// entryFromSnapshot builds this commit's catalog line for id, carrying
// forward every field the BBP core itself cannot measure (atom type,
// width, key/sort properties, count/capacity) from prev, the entry's
// value in the catalog being replaced. A brand-new id has a zero-value
// prev, so those fields default to zero until a higher layer populates
// them.
func entryFromSnapshot(snap slot.Snapshot, prev catalog.Entry) catalog.Entry {
	e := prev
	e.ID = snap.ID
	e.StatusFlags = uint32(snap.Status)
	e.LogicalName = snap.LogicalName
	e.PhysicalStem = snap.PhysicalStem
	e.FarmID = snap.FarmID
	e.BakName = snap.BakName
	e.TParent = snap.TParent
	e.VParent = snap.VParent
	e.Persistent = snap.Status.Has(slot.Persistent)
	e.Options = snap.Options
	return e
}

// populateHeapFields refreshes the heap-boundary fields of e (tail/vheap
// free, size, storage mode) from the resident bat's on-disk state at
// stem, the only part of a catalog line the BBP core can actually
// observe without help from the column layer above it.
func populateHeapFields(e *catalog.Entry, bat BAT, stem string) {
	if tail := bat.TailHeap(); tail != nil {
		if st, err := tail.StatHeapFile(stem); err == nil && st.Exists {
			e.TailFree = st.Free
			e.TailSize = st.Size
			e.TailStorage = int(st.Storage)
		}
	}
	if vh, ok := bat.VHeap(); ok && vh != nil {
		e.HasVHeap = true
		e.VarFlags |= catalog.VarFlagVarWidth
		if st, err := vh.StatHeapFile(stem); err == nil && st.Exists {
			e.VHeapFree = st.Free
			e.VHeapSize = st.Size
			e.VHeapStorage = int(st.Storage)
		}
	} else {
		e.HasVHeap = false
		e.VarFlags &^= catalog.VarFlagVarWidth
	}
}
