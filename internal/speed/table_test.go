package speed

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.uber.org/multierr"
	"go.viam.com/test"
)

func TestStorageIndexRoundTrip(t *testing.T) {
	tbl := NewTable(Config{})
	space := tbl.IndexSpace()
	test.That(t, space, test.ShouldEqual, DefaultIndexSpace)

	for d := -space; d <= space; d++ {
		s := tbl.StorageIndex(d)
		test.That(t, s, test.ShouldEqual, d+space)
		test.That(t, s, test.ShouldBeGreaterThanOrEqualTo, 0)
		test.That(t, s, test.ShouldBeLessThanOrEqualTo, 2*space)
		test.That(t, tbl.DisplayIndex(s), test.ShouldEqual, d)
	}
}

func TestSeedLinearRamp(t *testing.T) {
	tbl := NewTable(Config{Increment: 256})
	snap := tbl.Snapshot()

	test.That(t, snap.Valid, test.ShouldBeTrue)
	test.That(t, snap.Dirty, test.ShouldBeFalse)
	test.That(t, snap.Left, test.ShouldHaveLength, 17)
	test.That(t, snap.Right, test.ShouldHaveLength, 17)
	for d := -8; d <= 8; d++ {
		l, r, err := tbl.Entry(d)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, l.DisplayIndex, test.ShouldEqual, d)
		test.That(t, l.Value, test.ShouldEqual, 256*abs(d))
		test.That(t, r.Value, test.ShouldEqual, 256*abs(d))
	}
	l, r, _ := tbl.Entry(0)
	test.That(t, l.Value, test.ShouldEqual, 0)
	test.That(t, r.Value, test.ShouldEqual, 0)
}

func TestSeedKeepsValidTable(t *testing.T) {
	tbl := NewTable(Config{})
	test.That(t, tbl.Select(3), test.ShouldBeNil)
	test.That(t, tbl.SetSelected(700, 710), test.ShouldBeNil)

	tbl.Seed()
	l, r, _ := tbl.Entry(3)
	test.That(t, l.Value, test.ShouldEqual, 700)
	test.That(t, r.Value, test.ShouldEqual, 710)
}

func TestSeedClampsToMaxValue(t *testing.T) {
	tbl := NewTable(Config{Increment: 1000, MaxValue: 4095})
	l, _, _ := tbl.Entry(8)
	test.That(t, l.Value, test.ShouldEqual, 4095)
}

func TestSelect(t *testing.T) {
	tbl := NewTable(Config{})
	test.That(t, tbl.Selected(), test.ShouldEqual, 1)

	test.That(t, tbl.Select(-8), test.ShouldBeNil)
	test.That(t, tbl.Selected(), test.ShouldEqual, -8)

	err := tbl.Select(9)
	test.That(t, errors.Is(err, ErrIndexOutOfRange), test.ShouldBeTrue)
	test.That(t, tbl.Selected(), test.ShouldEqual, -8)
}

func TestEdit(t *testing.T) {
	tbl := NewTable(Config{})
	test.That(t, tbl.Select(3), test.ShouldBeNil)
	test.That(t, tbl.SetSelected(512, 512), test.ShouldBeNil)

	l, r, _ := tbl.Entry(3)
	test.That(t, l.Value, test.ShouldEqual, 512)
	test.That(t, r.Value, test.ShouldEqual, 512)
	test.That(t, tbl.IsDirty(), test.ShouldBeTrue)
	test.That(t, tbl.EditCommand(), test.ShouldEqual, "E 3 512 512")

	test.That(t, tbl.SetLeft(600), test.ShouldBeNil)
	test.That(t, tbl.SetRight(610), test.ShouldBeNil)
	left, right := tbl.SelectedEntry()
	test.That(t, left, test.ShouldEqual, 600)
	test.That(t, right, test.ShouldEqual, 610)

	tbl.MarkClean()
	test.That(t, tbl.IsDirty(), test.ShouldBeFalse)
}

func TestEditSelected(t *testing.T) {
	tbl := NewTable(Config{})
	test.That(t, tbl.Select(-3), test.ShouldBeNil)
	cmd, err := tbl.EditSelected(700, 720)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmd, test.ShouldEqual, "E -3 700 720")
	test.That(t, tbl.IsDirty(), test.ShouldBeTrue)

	_, err = tbl.EditSelected(700, 9000)
	test.That(t, errors.Is(err, ErrValueOutOfRange), test.ShouldBeTrue)
}

func TestEditSelectedWhileSelecting(t *testing.T) {
	tbl := NewTable(Config{})
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			d := 2
			if i%2 == 1 {
				d = -2
			}
			tbl.Select(d)
		}
	}()

	for v := 1; v <= 500; v++ {
		cmd, err := tbl.EditSelected(v, v)
		test.That(t, err, test.ShouldBeNil)
		var d, l, r int
		_, err = fmt.Sscanf(cmd, "E %d %d %d", &d, &l, &r)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, l, test.ShouldEqual, v)
		test.That(t, r, test.ShouldEqual, v)
		left, right, err := tbl.Entry(d)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, left.Value, test.ShouldBeGreaterThanOrEqualTo, v)
		test.That(t, right.Value, test.ShouldBeGreaterThanOrEqualTo, v)
	}
	close(done)
	wg.Wait()
}

func TestEditRejectsBadValues(t *testing.T) {
	tbl := NewTable(Config{})
	test.That(t, tbl.Select(2), test.ShouldBeNil)

	err := tbl.SetSelected(-1, 10)
	test.That(t, errors.Is(err, ErrValueOutOfRange), test.ShouldBeTrue)
	err = tbl.SetRight(5000)
	test.That(t, errors.Is(err, ErrValueOutOfRange), test.ShouldBeTrue)
	test.That(t, tbl.IsDirty(), test.ShouldBeFalse)

	test.That(t, tbl.Select(0), test.ShouldBeNil)
	err = tbl.SetLeft(256)
	test.That(t, errors.Is(err, ErrStopNonZero), test.ShouldBeTrue)
	test.That(t, tbl.SetSelected(0, 0), test.ShouldBeNil)
}

func wellFormedDump(space int, value func(d int) (int, int)) string {
	var b strings.Builder
	fmt.Fprintf(&b, "D %d", space)
	for d := -space; d <= space; d++ {
		l, r := value(d)
		fmt.Fprintf(&b, "\n%d %d %d", d, l, r)
	}
	return b.String()
}

func TestParseWellFormed(t *testing.T) {
	tbl := NewTable(Config{})
	dump := wellFormedDump(8, func(d int) (int, int) { return 200 * abs(d), 200*abs(d) + abs(d) })
	test.That(t, strings.Count(dump, "\n"), test.ShouldEqual, 17)

	test.That(t, tbl.Parse(dump), test.ShouldBeNil)
	test.That(t, tbl.HasValidTable(), test.ShouldBeTrue)
	test.That(t, tbl.IsDirty(), test.ShouldBeFalse)
	for d := -8; d <= 8; d++ {
		l, r, err := tbl.Entry(d)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, l, test.ShouldResemble, Entry{DisplayIndex: d, Value: 200 * abs(d)})
		test.That(t, r, test.ShouldResemble, Entry{DisplayIndex: d, Value: 200*abs(d) + abs(d)})
	}
}

func TestParseDeviceOrder(t *testing.T) {
	// The device lists forward indexes first, then reverse, repeating 0.
	var b strings.Builder
	b.WriteString("D 8\n")
	for d := 0; d <= 8; d++ {
		fmt.Fprintf(&b, "%d %d %d\n", d, 256*d, 256*d)
	}
	for d := 0; d >= -8; d-- {
		fmt.Fprintf(&b, "%d %d %d\n", d, -256*d, -256*d)
	}

	tbl := NewTable(Config{})
	test.That(t, tbl.Parse(b.String()), test.ShouldBeNil)
	l, _, _ := tbl.Entry(-5)
	test.That(t, l.Value, test.ShouldEqual, 1280)
	test.That(t, tbl.HasValidTable(), test.ShouldBeTrue)
}

func TestParseMalformedHeader(t *testing.T) {
	for _, tc := range []struct {
		name string
		dump string
	}{
		{"three tokens", "D 8 extra\n1 100 100"},
		{"one token", "D\n1 100 100"},
		{"empty", ""},
		{"word tag", "Stopped 2"},
		{"unknown tag", "X 8\n1 100 100"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tbl := NewTable(Config{})
			before := tbl.Snapshot()

			err := tbl.Parse(tc.dump)
			test.That(t, errors.Is(err, ErrMalformedHeader), test.ShouldBeTrue)
			test.That(t, tbl.Snapshot(), test.ShouldResemble, before)
		})
	}
}

func TestParseMalformedHeaderDoesNotValidate(t *testing.T) {
	tbl := NewTable(Config{})
	// Break the table first so validity is observable.
	err := tbl.Parse("D 8\n1 x 100")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, tbl.HasValidTable(), test.ShouldBeFalse)

	err = tbl.Parse("D 8 9\n1 100 100")
	test.That(t, errors.Is(err, ErrMalformedHeader), test.ShouldBeTrue)
	test.That(t, tbl.HasValidTable(), test.ShouldBeFalse)
}

func TestParsePartialApplication(t *testing.T) {
	tbl := NewTable(Config{})
	dump := wellFormedDump(8, func(d int) (int, int) { return 100 * abs(d), 100 * abs(d) })
	dump = strings.Replace(dump, "\n4 400 400", "\n4 four 400", 1)

	err := tbl.Parse(dump)
	test.That(t, errors.Is(err, ErrMalformedEntry), test.ShouldBeTrue)
	errs := multierr.Errors(err)
	test.That(t, errs, test.ShouldHaveLength, 1)
	var entryErr *EntryError
	test.That(t, errors.As(errs[0], &entryErr), test.ShouldBeTrue)
	test.That(t, entryErr.Text, test.ShouldEqual, "4 four 400")
	test.That(t, entryErr.Line, test.ShouldEqual, 14)

	test.That(t, tbl.HasValidTable(), test.ShouldBeFalse)
	for d := -8; d <= 8; d++ {
		if d == 4 {
			continue
		}
		l, r, _ := tbl.Entry(d)
		test.That(t, l.Value, test.ShouldEqual, 100*abs(d))
		test.That(t, r.Value, test.ShouldEqual, 100*abs(d))
	}
	// Not overwritten: keeps the seeded value.
	l, _, _ := tbl.Entry(4)
	test.That(t, l.Value, test.ShouldEqual, 4*DefaultIncrement)
}

func TestParseRejectedLines(t *testing.T) {
	for _, tc := range []struct {
		name string
		line string
	}{
		{"below range", "-9 100 100"},
		{"above range", "9 100 100"},
		{"missing field", "3 100"},
		{"extra field", "3 100 100 100"},
		{"negative value", "3 -1 100"},
		{"too large", "3 100 5000"},
		{"stop moving", "0 10 0"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tbl := NewTable(Config{})
			err := tbl.Parse("D 8\n2 300 300\n" + tc.line)
			test.That(t, errors.Is(err, ErrMalformedEntry), test.ShouldBeTrue)
			test.That(t, tbl.HasValidTable(), test.ShouldBeFalse)
			l, _, _ := tbl.Entry(2)
			test.That(t, l.Value, test.ShouldEqual, 300)
		})
	}
}

func TestParseIndexSpace(t *testing.T) {
	tbl := NewTable(Config{})
	test.That(t, tbl.Select(6), test.ShouldBeNil)

	test.That(t, tbl.Parse(wellFormedDump(4, func(d int) (int, int) { return 500 * abs(d), 500 * abs(d) })), test.ShouldBeNil)
	test.That(t, tbl.IndexSpace(), test.ShouldEqual, 4)
	snap := tbl.Snapshot()
	test.That(t, snap.Left, test.ShouldHaveLength, 9)
	test.That(t, snap.Right, test.ShouldHaveLength, 9)
	test.That(t, snap.Selected, test.ShouldEqual, 1)
	test.That(t, tbl.StorageIndex(-4), test.ShouldEqual, 0)

	// Unparsable index space falls back to the default.
	test.That(t, tbl.Parse("D many\n1 10 10"), test.ShouldBeNil)
	test.That(t, tbl.IndexSpace(), test.ShouldEqual, DefaultIndexSpace)
	l, _, _ := tbl.Entry(-8)
	test.That(t, l, test.ShouldResemble, Entry{DisplayIndex: -8, Value: 0})
}

func TestParseClearsDirty(t *testing.T) {
	tbl := NewTable(Config{})
	test.That(t, tbl.SetSelected(300, 300), test.ShouldBeNil)
	test.That(t, tbl.IsDirty(), test.ShouldBeTrue)

	test.That(t, tbl.Parse("D 8\n1 256 256"), test.ShouldBeNil)
	test.That(t, tbl.IsDirty(), test.ShouldBeFalse)
}

func TestFormatParses(t *testing.T) {
	src := NewTable(Config{})
	test.That(t, src.Select(-2), test.ShouldBeNil)
	test.That(t, src.SetSelected(600, 620), test.ShouldBeNil)

	text := src.Format()
	test.That(t, text, test.ShouldStartWith, "D 8\n-8 2048 2048\n")

	dst := NewTable(Config{})
	test.That(t, dst.Parse(text), test.ShouldBeNil)
	test.That(t, dst.Snapshot().Left, test.ShouldResemble, src.Snapshot().Left)
	test.That(t, dst.Snapshot().Right, test.ShouldResemble, src.Snapshot().Right)
}
