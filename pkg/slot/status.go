// Package slot implements the BBP slot table: the two-level fixed-base
// array of per-BAT records, the name index, the reference/status core,
// and the view/parent manager. These four concerns share one lock
// discipline and one field (Record.Next, reused for both free-list and
// name-bucket chaining), so they live in one package, one file per
// concern.
package slot

// Status is the atomically-updated bitset tracking a slot's lifecycle.
type Status uint32

const (
	Existing Status = 1 << iota // has on-disk presence
	Loaded                      // descriptor+heaps resident
	Loading                     // load in progress
	Unloading                   // unload in progress
	Saving                      // save in progress
	Syncing                     // inside a commit critical window
	Swapped                     // descriptor resident, heap not
	Deleted                     // logically gone, pending slot reclaim
	Deleting                    // transitional: insert has bound a name but no descriptor yet
	New                         // reserved; kept to hold bit position stable in BBP.dir status flags
	Tmp                         // temporary BAT (unnamed, tmp_<octal> name)
	Persistent                  // durability-significant
	Hot                         // recently used
	Renamed                     // logical name changed since last commit
	Cold                        // permanently excluded from trim (BBPcold)
)

// Unstable is the set of flags that make a slot's status transient; a
// caller that observes one of these must spin-wait for it to clear.
const Unstable = Loading | Unloading | Deleting

// Waiting extends Unstable with Saving and Syncing: the full wait-mask a
// background trimmer or recovery pass must avoid touching.
const Waiting = Unstable | Saving | Syncing

// Has reports whether all bits in mask are set.
func (s Status) Has(mask Status) bool { return s&mask == mask }

// Any reports whether any bit in mask is set.
func (s Status) Any(mask Status) bool { return s&mask != 0 }
