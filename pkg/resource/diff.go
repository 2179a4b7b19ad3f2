package resource

import "fmt"

// Change is a single field difference between desired and observed state.
type Change struct {
	Field   string `json:"field"`
	Desired string `json:"desired"`
	Current string `json:"current"`
}

// String renders the change for logs.
func (c Change) String() string {
	return fmt.Sprintf("%s: %q -> %q", c.Field, c.Current, c.Desired)
}

// Differ accumulates field changes. Handlers use it to implement
// kind-specific equality.
type Differ struct {
	changes []Change
}

// Compare records a change when desired and current differ.
func (d *Differ) Compare(field, desired, current string) {
	if desired != current {
		d.changes = append(d.changes, Change{Field: field, Desired: desired, Current: current})
	}
}

// Add records a change unconditionally.
func (d *Differ) Add(c Change) {
	d.changes = append(d.changes, c)
}

// Changes returns the recorded changes; nil means equal.
func (d *Differ) Changes() []Change {
	return d.changes
}
