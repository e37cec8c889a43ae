package slot

import "fmt"

// ErrNameInUse is returned by Rename/BindName-adjacent callers when the
// requested logical name is already bound to a different, live slot.
type ErrNameInUse struct {
	Name string
}

func (e *ErrNameInUse) Error() string {
	return fmt.Sprintf("slot: name %q already in use", e.Name)
}

func errNameInUse(name string) error { return &ErrNameInUse{Name: name} }

// ErrIllegalTempName is returned by Rename when the requested name has
// the tmp_ prefix but does not decode to the slot's own id: a tmp name
// encodes the id it belongs to, so binding it to any other slot would
// break the name-to-id recovery that keeps tmp names out of the index.
type ErrIllegalTempName struct {
	ID   int32
	Name string
}

func (e *ErrIllegalTempName) Error() string {
	return fmt.Sprintf("slot: name %q is an illegal temporary name for id %d", e.Name, e.ID)
}
