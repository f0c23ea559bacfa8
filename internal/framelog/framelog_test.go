package framelog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	test.That(t, err, test.ShouldBeNil)
	return rows
}

func logFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "frames_*.csv"))
	test.That(t, err, test.ShouldBeNil)
	sort.Strings(files)
	return files
}

func TestRecordFrame(t *testing.T) {
	dir := t.TempDir()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	l := New(Config{Enabled: true, Path: dir}, zaptest.NewLogger(t).Sugar())
	l.SetClock(mock)
	defer l.Close()

	l.RecordFrame("tx", "@")
	mock.Add(20 * time.Millisecond)
	l.RecordFrame("rx", "D 1\n-1 10 10\n0 0 0\n1 10 10")
	l.RecordFrame("rx", "Tabcdef")

	files := logFiles(t, dir)
	test.That(t, files, test.ShouldHaveLength, 1)
	test.That(t, filepath.Base(files[0]), test.ShouldEqual, "frames_2024-05-01_120000_001.csv")

	rows := readCSV(t, files[0])
	test.That(t, rows, test.ShouldHaveLength, 4)
	test.That(t, rows[0], test.ShouldResemble, csvHeader)
	test.That(t, rows[1], test.ShouldResemble, []string{"2024-05-01T12:00:00Z", "tx", "command", "1", "@"})
	test.That(t, rows[2][0], test.ShouldEqual, "2024-05-01T12:00:00.02Z")
	test.That(t, rows[2][2], test.ShouldEqual, "dump")
	test.That(t, rows[2][4], test.ShouldEqual, "D 1\n-1 10 10\n0 0 0\n1 10 10")
	test.That(t, rows[3][2], test.ShouldEqual, "sensor")
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, MaxRows: 2}, zaptest.NewLogger(t).Sugar())
	l.SetClock(clock.NewMock())
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.RecordFrame("tx", "?")
	}
	files := logFiles(t, dir)
	test.That(t, files, test.ShouldHaveLength, 3)
	test.That(t, readCSV(t, files[0]), test.ShouldHaveLength, 3)
	test.That(t, readCSV(t, files[2]), test.ShouldHaveLength, 2)
}

func TestDisabled(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir}, zaptest.NewLogger(t).Sugar())
	defer l.Close()

	l.RecordFrame("tx", "@")
	test.That(t, l.IsEnabled(), test.ShouldBeFalse)
	test.That(t, logFiles(t, dir), test.ShouldBeEmpty)

	l.SetEnabled(true)
	l.RecordFrame("tx", "@")
	l.SetEnabled(false)
	l.RecordFrame("tx", "#")
	files := logFiles(t, dir)
	test.That(t, files, test.ShouldHaveLength, 1)
	test.That(t, readCSV(t, files[0]), test.ShouldHaveLength, 2)
}
