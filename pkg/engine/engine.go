// Package engine is the top-level BBP coordinator: it wires the farm
// registry, slot table, catalog, commit protocol and background trimmer
// together behind the public operation surface a caller actually uses
// (init/exit, insert/cache, fix/unfix, retain/release, share/unshare,
// sync, ...).
//
// Structured the way pkg/manager.Manager is: one struct that owns every
// subsystem, built by a single multi-phase constructor, with the
// Raft/FSM/gRPC/security/DNS/ingress scaffolding removed, since
// replication and a networked admin API are out of scope here.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/colstore/bbp/pkg/catalog"
	"github.com/colstore/bbp/pkg/commit"
	"github.com/colstore/bbp/pkg/config"
	"github.com/colstore/bbp/pkg/farm"
	"github.com/colstore/bbp/pkg/ledger"
	"github.com/colstore/bbp/pkg/log"
	"github.com/colstore/bbp/pkg/metrics"
	"github.com/colstore/bbp/pkg/slot"
	"github.com/colstore/bbp/pkg/trim"
	"github.com/rs/zerolog"
)

// Descriptor is what a loaded BAT must support to participate both in
// the slot table's unload predicate and in the commit protocol's
// stage/save pass. Real descriptors (atom type, column layout, hash/
// order indices) are owned by the caller; this is the same boundary
// pkg/slot.Descriptor and pkg/commit.BAT already describe, composed into
// one interface because every BAT the engine manages needs both.
type Descriptor interface {
	slot.Descriptor
	commit.BAT
}

// BATMeta describes everything the engine knows about a slot without
// having loaded it, enough for a DescriptorFactory to reconstruct the
// in-memory form from disk.
type BATMeta struct {
	ID           int32
	FarmID       int
	LogicalName  string
	PhysicalStem string
	Options      string
}

// DescriptorFactory reconstructs a Descriptor for a slot that is
// EXISTING but not currently LOADED. Heap layout and atom-type handling
// live outside this module, so Fix/Descriptor call back into
// caller-supplied code to actually load bytes.
type DescriptorFactory func(meta BATMeta) (Descriptor, error)

// Stats is a point-in-time aggregate over every live slot, used both for
// the Prometheus gauges (RefreshMetrics) and for pkg/diag's JSON dump.
type Stats struct {
	SlotsTotal        int32
	SlotsLive         int
	SlotsLoaded       int
	PhysicalPinsTotal int64
	LogicalRefsTotal  int64
}

// Engine is the single process-wide coordinator. Exactly one should
// exist per embedded database (the farm set itself is process-global),
// mirroring a one-Manager-per-node assumption.
type Engine struct {
	farms  *farm.Registry
	table  *slot.Table
	proto  *commit.Protocol
	ledger *ledger.Ledger
	loader DescriptorFactory
	logger zerolog.Logger

	mu        sync.Mutex
	logNo     int64
	transID   int64
	trimmer   *trim.Trimmer
}

// Init builds the farm set from cfg, creates the slot table, and, unless
// firstTime is set, loads and restores the catalog from the persistent
// farm's root, then runs crash recovery, the same check that also runs
// before every commit. firstTime skips the catalog load entirely, for a
// brand-new database.
func Init(cfg *config.Config, firstTime bool, loader DescriptorFactory) (*Engine, error) {
	if loader == nil {
		return nil, fmt.Errorf("engine: a descriptor factory is required")
	}

	farms := farm.NewRegistry()
	for _, fs := range cfg.Farms {
		var roles farm.Role
		for _, r := range fs.Roles {
			switch r {
			case config.RolePersistent:
				roles |= farm.RolePersistent
			case config.RoleTransient:
				roles |= farm.RoleTransient
			case config.RoleIndexPersistent:
				roles |= farm.RoleIndexPersistent
			default:
				return nil, fmt.Errorf("engine: farm %q: unknown role %q", fs.Name, r)
			}
		}
		if _, err := farms.Add(fs.Name, fs.Dir, roles); err != nil {
			return nil, fmt.Errorf("engine: add farm %q: %w", fs.Name, err)
		}
	}
	if !farms.WellFormed() {
		return nil, fmt.Errorf("engine: farm configuration is not well-formed: at least one persistent and one transient farm are required")
	}

	tcfg := slot.DefaultConfig()
	tcfg.ThreadMask = cfg.Tuning.ThreadMask
	tcfg.BATMask = cfg.Tuning.BATMask
	table := slot.NewTable(tcfg)

	primaryID, err := farms.Select(farm.RolePersistent, true)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	primary, _ := farms.Get(primaryID)

	var lg *ledger.Ledger
	var logNo, transID int64

	if !primary.InMemory() {
		lg, err = ledger.Open(primary.Dir)
		if err != nil {
			return nil, fmt.Errorf("engine: open leftovers ledger: %w", err)
		}

		catalogPath := filepath.Join(primary.Dir, farm.CatalogFile)
		if !firstTime {
			if _, statErr := os.Stat(catalogPath); statErr == nil {
				hdr, entries, loadErr := catalog.Load(catalogPath)
				if loadErr != nil {
					// An incompatible or corrupt header is fatal here, not a
					// partial-recovery candidate.
					if errors.Is(loadErr, catalog.ErrIncompatible) {
						return nil, fmt.Errorf("engine: %s is incompatible with this build, refusing to start: %w", catalogPath, loadErr)
					}
					return nil, fmt.Errorf("engine: load catalog: %w", loadErr)
				}
				restoreSet := make([]slot.RestoreEntry, 0, len(entries))
				for _, e := range entries {
					restoreSet = append(restoreSet, slot.RestoreEntry{
						ID: e.ID, LogicalName: e.LogicalName, BakName: e.BakName,
						PhysicalStem: e.PhysicalStem, TParent: e.TParent, VParent: e.VParent,
						FarmID: e.FarmID, Options: e.Options, Persistent: e.Persistent,
					})
				}
				if err := table.Restore(restoreSet); err != nil {
					return nil, fmt.Errorf("engine: restore catalog: %w", err)
				}
				logNo, transID = hdr.LogNo, hdr.TransID
			}
		}
	}

	e := &Engine{
		farms:   farms,
		table:   table,
		ledger:  lg,
		loader:  loader,
		logger:  log.WithComponent("engine"),
		logNo:   logNo,
		transID: transID,
	}
	e.proto = &commit.Protocol{Farms: farms, Table: table, Source: engineSource{e}, Ledger: lg}
	table.SetParentLoader(e.loadDescriptor)

	if err := commit.Recover(farms, table, lg); err != nil {
		return nil, fmt.Errorf("engine: startup recovery: %w", err)
	}

	e.logger.Info().Int("farms", len(farms.All())).Int32("size", table.Size()).Msg("engine initialized")
	return e, nil
}

// Exit stops the background trimmer (if started), attempts a final
// best-effort sync, and closes the leftovers ledger.
func (e *Engine) Exit() error {
	e.mu.Lock()
	tr := e.trimmer
	e.mu.Unlock()
	if tr != nil {
		tr.Stop()
	}

	if _, err := e.Sync(nil, e.GetLogNo(), e.GetTransID()); err != nil {
		e.logger.Warn().Err(err).Msg("final sync on exit failed")
	}

	if e.ledger != nil {
		return e.ledger.Close()
	}
	return nil
}

// engineSource adapts Engine to commit.Source without exposing the slot
// table's Descriptor type to the commit package directly.
type engineSource struct{ e *Engine }

func (s engineSource) BAT(id int32) (commit.BAT, bool) {
	snap := s.e.table.Snapshot(id)
	if !snap.Status.Has(slot.Loaded) || snap.Desc == nil {
		return nil, false
	}
	d, ok := snap.Desc.(commit.BAT)
	return d, ok
}

// AddFarm registers an additional storage root at runtime.
func (e *Engine) AddFarm(name, dir string, roles farm.Role) (int, error) {
	return e.farms.Add(name, dir, roles)
}

// SelectFarm resolves a role (and, for index heaps, whether persistent
// indexes are enabled) to a farm id.
func (e *Engine) SelectFarm(role farm.Role, indexPersistent bool) (int, error) {
	return e.farms.Select(role, indexPersistent)
}

// Insert wires an already-constructed descriptor into a fresh slot,
// returning its new id. The caller's Descriptor already holds the pin
// Insert's single physical reference represents.
func (e *Engine) Insert(farmID int, logicalName string, persistent bool, desc Descriptor) (int32, error) {
	if _, ok := e.farms.Get(farmID); !ok {
		return slot.NilID, fmt.Errorf("engine: insert: unknown farm %d", farmID)
	}
	id := e.table.Insert(slot.InsertSpec{FarmID: farmID, LogicalName: logicalName, Persistent: persistent})
	e.table.SetPhysicalStem(id, farm.Stem(id))
	e.table.AttachDescriptor(id, desc)
	return id, nil
}

// Cache registers a fresh, anonymous, non-persistent BAT on the
// transient farm: the common path for intermediate results a query
// creates and discards without ever naming.
func (e *Engine) Cache(desc Descriptor) (int32, error) {
	farmID, err := e.farms.Select(farm.RoleTransient, true)
	if err != nil {
		return slot.NilID, fmt.Errorf("engine: cache: %w", err)
	}
	return e.Insert(farmID, "", false, desc)
}

// Rename moves id's logical name, marking it Renamed so the next commit
// knows to rewrite the catalog entry.
func (e *Engine) Rename(id int32, newName string) error {
	if err := e.table.Rename(id, newName); err != nil {
		return fmt.Errorf("engine: rename id %d: %w", id, err)
	}
	e.table.MarkRenamed(id)
	return nil
}

// Index resolves a logical name to its id.
func (e *Engine) Index(name string) (int32, bool) {
	return e.table.Lookup(name)
}

// QuickDescriptor peeks at id's descriptor without pinning it or
// triggering a load; it returns ok=false if the BAT is not currently
// resident.
func (e *Engine) QuickDescriptor(id int32) (Descriptor, bool) {
	snap := e.table.Snapshot(id)
	if !snap.Status.Has(slot.Loaded) || snap.Desc == nil {
		return nil, false
	}
	d, ok := snap.Desc.(Descriptor)
	return d, ok
}

// loadDescriptor reconstructs a not-yet-resident slot's descriptor via
// the engine's DescriptorFactory. It also serves as the slot table's
// registered parent loader, so fixing a view whose parent has been
// swapped out reloads the parent the same way fixing it directly would.
func (e *Engine) loadDescriptor(id int32) (slot.Descriptor, error) {
	snap := e.table.Snapshot(id)
	meta := BATMeta{ID: id, FarmID: snap.FarmID, LogicalName: snap.LogicalName, PhysicalStem: snap.PhysicalStem, Options: snap.Options}
	d, err := e.loader(meta)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// resolveStem turns a slot id into the on-disk path stem its descriptor
// should be saved under, used by Save's explicit out-of-commit write.
func (e *Engine) resolveStem(id int32) (string, error) {
	snap := e.table.Snapshot(id)
	f, ok := e.farms.Get(snap.FarmID)
	if !ok {
		return "", fmt.Errorf("engine: resolve stem for id %d: unknown farm %d", id, snap.FarmID)
	}
	stem := filepath.Join(f.Dir, farm.BatDir, snap.PhysicalStem)
	if !f.InMemory() {
		if err := os.MkdirAll(filepath.Dir(stem), 0o755); err != nil {
			return "", fmt.Errorf("engine: create live dir for id %d: %w", id, err)
		}
	}
	return stem, nil
}

// Fix ensures id is loaded, calling the engine's DescriptorFactory if
// necessary, and returns the live descriptor with one more physical pin
// held on the caller's behalf.
func (e *Engine) Fix(id int32) (Descriptor, error) {
	raw, err := e.table.Fix(id, func() (slot.Descriptor, error) {
		return e.loadDescriptor(id)
	})
	if err != nil {
		return nil, fmt.Errorf("engine: fix id %d: %w", id, err)
	}
	d, ok := raw.(Descriptor)
	if !ok {
		return nil, fmt.Errorf("engine: fix id %d: descriptor does not implement the engine.Descriptor interface", id)
	}
	return d, nil
}

// Descriptor is the caller-facing alias for Fix.
func (e *Engine) Descriptor(id int32) (Descriptor, error) {
	return e.Fix(id)
}

// Unfix drops one physical pin. It never unloads
// synchronously; that is the trimmer's job.
func (e *Engine) Unfix(id int32) error {
	if err := e.table.Unfix(id); err != nil {
		return fmt.Errorf("engine: unfix id %d: %w", id, err)
	}
	return nil
}

// Retain adds a logical reference.
func (e *Engine) Retain(id int32) { e.table.Retain(id) }

// Release drops a logical reference.
func (e *Engine) Release(id int32) { e.table.Release(id) }

// Share turns id into a view of tparent's tail heap and vparent's vheap.
func (e *Engine) Share(id, tparent, vparent int32) error {
	if err := e.table.Share(id, tparent, vparent); err != nil {
		return fmt.Errorf("engine: share id %d: %w", id, err)
	}
	return nil
}

// Unshare severs id's view relationship.
func (e *Engine) Unshare(id int32) { e.table.Unshare(id) }

// KeepRef turns a physical pin into a logical retention without risking
// an intervening unload: equivalent to retain then
// unfix, except the unload predicate is never consulted in between, and
// since Unfix never unloads synchronously, that guarantee is automatic.
func (e *Engine) KeepRef(id int32) error {
	e.table.Retain(id)
	return e.Unfix(id)
}

// Cold permanently excludes id from the trimmer's unload scan.
func (e *Engine) Cold(id int32) { e.table.SetCold(id) }

// Reclaim drops the creating pin and marks id logically deleted, freeing
// it immediately if nothing else references it.
func (e *Engine) Reclaim(id int32) error {
	if err := e.table.Unfix(id); err != nil {
		return fmt.Errorf("engine: reclaim id %d: %w", id, err)
	}
	e.table.MarkDeleted(id)
	return nil
}

// Save persists id's dirty heaps immediately, outside of any commit.
// It is a no-op if id is not currently loaded or not dirty.
func (e *Engine) Save(id int32) error {
	snap := e.table.Snapshot(id)
	if snap.Desc == nil {
		return nil
	}
	d, ok := snap.Desc.(Descriptor)
	if !ok || !d.Dirty() {
		return nil
	}
	stem, err := e.resolveStem(id)
	if err != nil {
		return fmt.Errorf("engine: save id %d: %w", id, err)
	}
	if err := d.Save(stem); err != nil {
		return fmt.Errorf("engine: save id %d: %w", id, err)
	}
	return nil
}

// Sync runs the backup/commit protocol over every persistent BAT (a nil
// or empty ids slice) or just the given subcommit set.
// It records the committed logno/transid for GetLogNo/GetTransID.
func (e *Engine) Sync(ids []int32, logNo, transID int64) (commit.Result, error) {
	res, err := e.proto.Sync(commit.Request{IDs: ids, LogNo: logNo, TransID: transID})
	if err != nil {
		return res, fmt.Errorf("engine: sync: %w", err)
	}
	e.mu.Lock()
	e.logNo, e.transID = res.LogNo, res.TransID
	e.mu.Unlock()
	return res, nil
}

// Lock acquires the global BBP lock: TM, then every cache
// lock, then every swap lock, all in ascending order.
func (e *Engine) Lock() { e.table.BBPLock() }

// Unlock releases the global BBP lock in reverse order.
func (e *Engine) Unlock() { e.table.BBPUnlock() }

// Size returns one past the highest id ever handed out.
func (e *Engine) Size() int32 { return e.table.Size() }

// GetLogNo returns the logno recorded by the most recent successful
// Sync, or the one restored from the catalog at Init.
func (e *Engine) GetLogNo() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logNo
}

// GetTransID returns the transaction id recorded by the most recent
// successful Sync, or the one restored at Init.
func (e *Engine) GetTransID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transID
}

// Farms returns every registered farm, in id order.
func (e *Engine) Farms() []farm.Farm { return e.farms.All() }

// Leftovers lists every entry of the persistent leftovers ledger: files
// recovery has quarantined into LEFTDIR and stray files the disk scan has
// deleted, including those recorded by earlier runs. It returns an
// empty slice, not an error, when the primary farm is in-memory and has
// no ledger.
func (e *Engine) Leftovers() ([]ledger.Entry, error) {
	if e.ledger == nil {
		return nil, nil
	}
	return e.ledger.List()
}

// Trimmer lazily constructs the background trimmer bound to this
// engine's table, or returns the one already built. pressure is only
// used the first time; pass nil to accept the always-slow-cadence
// default.
func (e *Engine) Trimmer(pressure trim.PressureFunc) *trim.Trimmer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trimmer == nil {
		e.trimmer = trim.New(e.table, pressure)
	}
	return e.trimmer
}

// Stats aggregates the current state of every live slot, for
// RefreshMetrics and pkg/diag's JSON dump.
func (e *Engine) Stats() Stats {
	st := Stats{SlotsTotal: e.table.Size()}
	e.table.ForEach(func(id int32, snap slot.Snapshot) {
		st.SlotsLive++
		if snap.Status.Has(slot.Loaded) {
			st.SlotsLoaded++
		}
		st.PhysicalPinsTotal += int64(snap.Refs)
		st.LogicalRefsTotal += int64(snap.LRefs)
	})
	return st
}

// RefreshMetrics recomputes Stats and publishes them to the Prometheus
// gauges in pkg/metrics. Callers (the diagnostics server) decide the
// cadence; the engine does not schedule this itself.
func (e *Engine) RefreshMetrics() {
	st := e.Stats()
	metrics.SlotsTotal.Set(float64(st.SlotsTotal))
	metrics.SlotsLive.Set(float64(st.SlotsLive))
	metrics.SlotsLoaded.Set(float64(st.SlotsLoaded))
	metrics.PhysicalPinsTotal.Set(float64(st.PhysicalPinsTotal))
	metrics.LogicalRefsTotal.Set(float64(st.LogicalRefsTotal))
}
