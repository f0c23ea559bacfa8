package speed

import (
	"errors"
	"fmt"
	"sync"
)

// The motor controller accepts drive values from 0 to MaxValue. A speed index
// picks a matched pair of left/right values so both tracks turn at the same
// rate. Index 0 is stopped, positive indexes are forward, negative reverse.
//
//	display  -8 -7 ... -1  0  1 ...  7  8
//	storage   0  1 ...  7  8  9 ... 15 16
const (
	DefaultIndexSpace = 8
	DefaultIncrement  = 256
	DefaultMaxValue   = 4095
)

var (
	// ErrIndexOutOfRange is returned for display indexes outside [-indexSpace, indexSpace].
	ErrIndexOutOfRange = errors.New("speed: index out of range")
	// ErrValueOutOfRange is returned for drive values outside [0, MaxValue].
	ErrValueOutOfRange = errors.New("speed: value out of range")
	// ErrStopNonZero is returned when index 0 would get a non-zero drive value.
	ErrStopNonZero = errors.New("speed: stop index must have zero drive value")
)

// Entry is one calibration point for one track.
type Entry struct {
	DisplayIndex int `json:"index"`
	Value        int `json:"value"`
}

// Config holds table construction parameters.
type Config struct {
	Increment int `yaml:"increment" json:"increment"` // default ramp step
	MaxValue  int `yaml:"max_value" json:"maxValue"`  // device drive ceiling
}

// Table is the calibration table for the left and right tracks.
// All methods are safe for concurrent use.
type Table struct {
	mu sync.RWMutex

	increment int
	maxValue  int

	indexSpace int
	left       []Entry
	right      []Entry
	selected   int // display index
	valid      bool
	dirty      bool
}

// Snapshot is a copy of the table state, used by the API and tests.
type Snapshot struct {
	IndexSpace int     `json:"indexSpace"`
	Selected   int     `json:"selected"`
	Valid      bool    `json:"valid"`
	Dirty      bool    `json:"dirty"`
	Left       []Entry `json:"left"`
	Right      []Entry `json:"right"`
}

// NewTable creates a table seeded with the default linear ramp.
func NewTable(cfg Config) *Table {
	if cfg.Increment <= 0 {
		cfg.Increment = DefaultIncrement
	}
	if cfg.MaxValue <= 0 {
		cfg.MaxValue = DefaultMaxValue
	}
	t := &Table{
		increment: cfg.Increment,
		maxValue:  cfg.MaxValue,
	}
	t.Seed()
	return t
}

// Seed builds the default table, value = increment * |displayIndex|, unless a
// valid table is already present.
func (t *Table) Seed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.valid {
		return
	}
	t.indexSpace = DefaultIndexSpace
	t.left = make([]Entry, 2*t.indexSpace+1)
	t.right = make([]Entry, 2*t.indexSpace+1)
	for s := range t.left {
		d := s - t.indexSpace
		v := t.increment * abs(d)
		if v > t.maxValue {
			v = t.maxValue
		}
		t.left[s] = Entry{DisplayIndex: d, Value: v}
		t.right[s] = Entry{DisplayIndex: d, Value: v}
	}
	t.selected = 1
	t.valid = true
	t.dirty = false
}

// StorageIndex maps a display index to its position in the backing slices.
func (t *Table) StorageIndex(displayIndex int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return displayIndex + t.indexSpace
}

// DisplayIndex is the inverse of StorageIndex.
func (t *Table) DisplayIndex(storageIndex int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return storageIndex - t.indexSpace
}

// IndexSpace returns the half-width of the index range.
func (t *Table) IndexSpace() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.indexSpace
}

// MaxValue returns the largest accepted drive value.
func (t *Table) MaxValue() int { return t.maxValue }

// HasValidTable reports whether the table can be trusted.
func (t *Table) HasValidTable() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.valid
}

// IsDirty reports whether entries were edited since the last load or save.
func (t *Table) IsDirty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dirty
}

// MarkClean clears the dirty flag after a load or save round trip.
func (t *Table) MarkClean() {
	t.mu.Lock()
	t.dirty = false
	t.mu.Unlock()
}

// Selected returns the display index currently being edited.
func (t *Table) Selected() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selected
}

// Select changes the display index being edited.
func (t *Table) Select(displayIndex int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inRange(displayIndex) {
		return fmt.Errorf("%w: %d not in [-%d, %d]", ErrIndexOutOfRange, displayIndex, t.indexSpace, t.indexSpace)
	}
	t.selected = displayIndex
	return nil
}

// Entry returns the left and right entries at a display index.
func (t *Table) Entry(displayIndex int) (left, right Entry, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.inRange(displayIndex) {
		return Entry{}, Entry{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, displayIndex)
	}
	s := displayIndex + t.indexSpace
	return t.left[s], t.right[s], nil
}

// SelectedEntry returns the left and right values at the selected index.
func (t *Table) SelectedEntry() (left, right int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.selected + t.indexSpace
	return t.left[s].Value, t.right[s].Value
}

// SetSelected writes both track values at the selected index and marks the
// table dirty.
func (t *Table) SetSelected(left, right int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setSelectedLocked(left, right)
}

// EditSelected is SetSelected returning the matching edit command, built
// under the same lock so a concurrent Select cannot retarget it.
func (t *Table) EditSelected(left, right int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.setSelectedLocked(left, right); err != nil {
		return "", err
	}
	return t.editCommandLocked(), nil
}

func (t *Table) setSelectedLocked(left, right int) error {
	if err := t.checkValue(t.selected, left); err != nil {
		return err
	}
	if err := t.checkValue(t.selected, right); err != nil {
		return err
	}
	s := t.selected + t.indexSpace
	t.left[s].Value = left
	t.right[s].Value = right
	t.dirty = true
	return nil
}

// SetLeft writes the left value at the selected index.
func (t *Table) SetLeft(value int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkValue(t.selected, value); err != nil {
		return err
	}
	t.left[t.selected+t.indexSpace].Value = value
	t.dirty = true
	return nil
}

// SetRight writes the right value at the selected index.
func (t *Table) SetRight(value int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkValue(t.selected, value); err != nil {
		return err
	}
	t.right[t.selected+t.indexSpace].Value = value
	t.dirty = true
	return nil
}

// EditCommand builds the command that sends the selected entry to the device.
func (t *Table) EditCommand() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.editCommandLocked()
}

func (t *Table) editCommandLocked() string {
	s := t.selected + t.indexSpace
	return fmt.Sprintf("E %d %d %d", t.selected, t.left[s].Value, t.right[s].Value)
}

// Snapshot returns a deep copy of the table.
func (t *Table) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		IndexSpace: t.indexSpace,
		Selected:   t.selected,
		Valid:      t.valid,
		Dirty:      t.dirty,
		Left:       append([]Entry(nil), t.left...),
		Right:      append([]Entry(nil), t.right...),
	}
}

func (t *Table) inRange(d int) bool {
	return d >= -t.indexSpace && d <= t.indexSpace
}

func (t *Table) checkValue(d, v int) error {
	if v < 0 || v > t.maxValue {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrValueOutOfRange, v, t.maxValue)
	}
	if d == 0 && v != 0 {
		return ErrStopNonZero
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
