// Package farm implements the farm registry: a small fixed set of
// storage roots, each serving one or more roles, plus the directory
// layout conventions shared by the catalog and commit packages.
//
// Structured the way a VolumeDriver/LocalDriver pair is: a LocalDriver
// owns one basePath and builds per-volume paths under it; a Farm owns
// one basePath and builds per-BAT paths under it, generalized to carry
// a role bitmask instead of being bound to a single volume.
package farm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/colstore/bbp/pkg/log"
)

// Role is one of the storage roles a farm can serve.
type Role uint32

const (
	RolePersistent Role = 1 << iota
	RoleTransient
	RoleIndexPersistent
)

// MaxFarms bounds the fixed-size registry.
const MaxFarms = 32

// Standard subdirectory names under a farm root.
const (
	BatDir    = "bat"
	BackupDir = "bat/BACKUP"
	SubDir    = "bat/BACKUP/SUBCOMMIT"
	DeleteDir = "bat/DELETE_ME"
	LeftDir   = "bat/LEFTOVERS"
	TempDir   = "bat/TEMP_DIR"
)

// CatalogFile is the BBP.dir catalog's filename, at the root of whichever
// farm serves RolePersistent. Exactly one of these exists per database,
// at the main dbfarm root.
const CatalogFile = "BBP.dir"

// Farm is one storage root and the roles it serves. A Farm with an empty
// Dir is an in-memory farm: no directory exists and the commit protocol
// must be bypassed for any BAT that selects it.
type Farm struct {
	ID    int
	Name  string
	Dir   string
	Roles Role
}

// InMemory reports whether this farm has no on-disk root.
func (f Farm) InMemory() bool { return f.Dir == "" }

// Registry is the process-wide set of known farms.
type Registry struct {
	farms []Farm
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{farms: make([]Farm, 0, 4)}
}

// Add registers a new farm with the given name, root directory (empty for
// in-memory) and role mask, creating the standard subdirectories. It
// returns the assigned farm id.
func (r *Registry) Add(name, dir string, roles Role) (int, error) {
	if len(r.farms) >= MaxFarms {
		return -1, fmt.Errorf("farm: registry full (max %d farms)", MaxFarms)
	}
	id := len(r.farms)

	if dir != "" {
		for _, sub := range []string{BatDir, BackupDir, SubDir, DeleteDir, LeftDir, TempDir} {
			if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
				return -1, fmt.Errorf("farm: create %s: %w", filepath.Join(dir, sub), err)
			}
		}
		// TEMP_DIR is scratch space only; clear it at startup.
		entries, err := os.ReadDir(filepath.Join(dir, TempDir))
		if err == nil {
			for _, e := range entries {
				_ = os.RemoveAll(filepath.Join(dir, TempDir, e.Name()))
			}
		}
	}

	r.farms = append(r.farms, Farm{ID: id, Name: name, Dir: dir, Roles: roles})
	farmLogger := log.WithComponent("farm")
	farmLogger.Info().
		Int("farm_id", id).Str("name", name).Str("dir", dir).
		Msg("farm registered")
	return id, nil
}

// Get returns the farm with the given id.
func (r *Registry) Get(id int) (Farm, bool) {
	if id < 0 || id >= len(r.farms) {
		return Farm{}, false
	}
	return r.farms[id], true
}

// All returns every registered farm, in id order.
func (r *Registry) All() []Farm {
	out := make([]Farm, len(r.farms))
	copy(out, r.farms)
	return out
}

// WellFormed reports whether the persistent and the transient role each
// have at least one serving farm. No farm serving RoleIndexPersistent is
// required: Select falls back to the transient farm for that role only
// when indexPersistent is false, and otherwise reports an error.
func (r *Registry) WellFormed() bool {
	var seen Role
	for _, f := range r.farms {
		seen |= f.Roles
	}
	required := RolePersistent | RoleTransient
	return seen&required == required
}

// Select maps a requested role to a farm id: persistent index heaps
// fall back to the transient farm when indexPersistent is false (build
// disables persistent indexes).
func (r *Registry) Select(role Role, indexPersistent bool) (int, error) {
	want := role
	if role == RoleIndexPersistent && !indexPersistent {
		want = RoleTransient
	}
	for _, f := range r.farms {
		if f.Roles&want != 0 {
			return f.ID, nil
		}
	}
	return -1, fmt.Errorf("farm: no farm serves role %d", want)
}

// Root returns the BATDIR-relative root for a farm.
func (r *Registry) Root(id int) (string, error) {
	f, ok := r.Get(id)
	if !ok {
		return "", fmt.Errorf("farm: unknown farm id %d", id)
	}
	return filepath.Join(f.Dir, BatDir), nil
}

// Stem derives the physical filename stem for slot id bid: a 64-ary radix
// tree of two-digit octal directories. Ids below 64 (octal 0100) live
// directly in BatDir; larger ids get one two-digit-octal subdirectory per
// 6 bits above the bottom 6, and the basename is always the full octal
// id, e.g. bid 4096 (octal 10000) becomes "01/00/10000".
func Stem(bid int32) string {
	octal := fmt.Sprintf("%o", bid)
	if bid < 0100 {
		return octal
	}
	// Leading digits (everything above the bottom 6 bits / 2 octal
	// digits) form the directory chain, taken two digits at a time.
	lead := octal[:len(octal)-2]
	for len(lead)%2 != 0 {
		lead = "0" + lead
	}
	var dirs []string
	for i := 0; i < len(lead); i += 2 {
		dirs = append(dirs, lead[i:i+2])
	}
	return filepath.Join(append(dirs, octal)...)
}

// Path joins a farm's BatDir root, the radix-tree directory for bid, and a
// basename (e.g. Stem-derived filename plus suffix).
func (r *Registry) Path(farmID int, bid int32, filename string) (string, error) {
	root, err := r.Root(farmID)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.Dir(Stem(bid)), filename), nil
}
