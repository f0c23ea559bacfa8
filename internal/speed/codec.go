package speed

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

// HeaderTag starts the first line of a formatted dump.
const HeaderTag = "D"

// headerTags are the single-letter tags a device may open a dump with.
var headerTags = map[string]bool{"C": true, "D": true, "S": true}

// maxIndexSpace bounds the allocation a device header can ask for.
const maxIndexSpace = 255

var (
	// ErrMalformedHeader means the dump header was not "<tag> <indexSpace>"
	// with tag one of C, D or S.
	// The table is left untouched.
	ErrMalformedHeader = errors.New("speed: malformed dump header")
	// ErrMalformedEntry means at least one entry line was rejected. The rest
	// of the dump was applied and the table is marked invalid.
	ErrMalformedEntry = errors.New("speed: malformed dump entry")
)

// EntryError describes one rejected dump line.
type EntryError struct {
	Line int    // 1-based line number within the dump
	Text string // raw line
	Err  error  // cause
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("speed: line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// Is makes every EntryError match ErrMalformedEntry.
func (e *EntryError) Is(target error) bool { return target == ErrMalformedEntry }

// Parse replaces the table with a device dump:
//
//	D 8
//	-8 2048 2040
//	...
//	8 2048 2056
//
// A bad header aborts without touching the table. Bad entry lines are
// reported (combined with multierr) and skipped while the remaining lines are
// still applied; in that case the table is marked invalid. Entries the dump
// does not mention keep their previous value when the index space is
// unchanged, and are zero otherwise.
func (t *Table) Parse(message string) error {
	lines := strings.Split(strings.ReplaceAll(message, "\r", ""), "\n")
	header := strings.Fields(lines[0])
	if len(header) != 2 || !headerTags[header[0]] {
		return fmt.Errorf("%w: %q", ErrMalformedHeader, lines[0])
	}
	tag := header[0]
	space, err := strconv.Atoi(header[1])
	if err != nil || space <= 0 || space > maxIndexSpace {
		space = DefaultIndexSpace
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	size := 2*space + 1
	left := make([]Entry, size)
	right := make([]Entry, size)
	if space == t.indexSpace {
		copy(left, t.left)
		copy(right, t.right)
	} else {
		for s := range left {
			left[s] = Entry{DisplayIndex: s - space}
			right[s] = Entry{DisplayIndex: s - space}
		}
	}

	var errs error
	for n, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] == tag {
			continue
		}
		d, l, r, err := t.parseEntry(fields, space)
		if err != nil {
			errs = multierr.Append(errs, &EntryError{Line: n + 2, Text: line, Err: err})
			continue
		}
		s := d + space
		left[s] = Entry{DisplayIndex: d, Value: l}
		right[s] = Entry{DisplayIndex: d, Value: r}
	}

	t.indexSpace = space
	t.left = left
	t.right = right
	t.valid = errs == nil
	t.dirty = false
	if !t.inRange(t.selected) {
		t.selected = 1
	}
	return errs
}

func (t *Table) parseEntry(fields []string, space int) (d, l, r int, err error) {
	if len(fields) != 3 {
		return 0, 0, 0, fmt.Errorf("want 3 fields, got %d", len(fields))
	}
	vals := make([]int, 3)
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("field %d: %w", i+1, err)
		}
		vals[i] = v
	}
	d, l, r = vals[0], vals[1], vals[2]
	if s := d + space; s < 0 || s > 2*space {
		return 0, 0, 0, fmt.Errorf("%w: %d", ErrIndexOutOfRange, d)
	}
	for _, v := range []int{l, r} {
		if v < 0 || v > t.maxValue {
			return 0, 0, 0, fmt.Errorf("%w: %d", ErrValueOutOfRange, v)
		}
		if d == 0 && v != 0 {
			return 0, 0, 0, ErrStopNonZero
		}
	}
	return d, l, r, nil
}

// Format renders the table in the dump format accepted by Parse.
func (t *Table) Format() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s %d", HeaderTag, t.indexSpace)
	for s := range t.left {
		fmt.Fprintf(&b, "\n%d %d %d", s-t.indexSpace, t.left[s].Value, t.right[s].Value)
	}
	return b.String()
}
