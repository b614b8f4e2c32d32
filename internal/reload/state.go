package reload

import (
	"fmt"
	"strconv"
)

const schemaKeyPrefix = "__schema."

// State is script-declared state that survives a reload. Implementations
// write their fields with ToReloadData and read them back with FromReloadData;
// the schema version guards against loading data written by an incompatible
// script version.
type State interface {
	SchemaVersion() int
	ToReloadData(d *Data)
	FromReloadData(d *Data) error
}

// SaveState stores st under name, tagging it with its schema version.
func SaveState(d *Data, name string, st State) {
	d.Set(schemaKeyPrefix+name, strconv.Itoa(st.SchemaVersion()))
	st.ToReloadData(d)
}

// LoadState restores st if d holds a matching schema version for name. It reports
// false without error when there is nothing (compatible) to load.
func LoadState(d *Data, name string, st State) (bool, error) {
	raw, ok := d.Get(schemaKeyPrefix + name)
	if !ok {
		return false, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v != st.SchemaVersion() {
		return false, nil
	}
	if err := st.FromReloadData(d); err != nil {
		return false, fmt.Errorf("load state %s: %w", name, err)
	}
	return true, nil
}
