package drive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"go.uber.org/zap"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/rarydzu/diskstage/handlecache"
	"github.com/rarydzu/diskstage/request"
)

func TestDrive(t *testing.T) { RunTests(t) }

type DriveTest struct {
	root        string
	clock       timeutil.SimulatedClock
	completions []request.Completion
	drive       *Drive
}

func init() { RegisterTestSuite(&DriveTest{}) }

func (t *DriveTest) SetUp(ti *TestInfo) {
	var err error
	t.root, err = os.MkdirTemp("", "diskstage_drive")
	AssertEq(nil, err)
	t.write("a", 200)
	t.write("b", 50)
	t.write("c", 10)

	t.clock.SetTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	t.completions = nil
	t.drive = New("disk", 2, handlecache.OSFileSystem{}, &t.clock,
		request.CompletionFunc(func(c request.Completion) {
			t.completions = append(t.completions, c)
		}), zap.NewNop().Sugar())
}

func (t *DriveTest) TearDown() {
	t.drive.FlushAllCaches()
	os.RemoveAll(t.root)
}

func (t *DriveTest) write(name string, size int) {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	AssertEq(nil, os.WriteFile(filepath.Join(t.root, name), data, 0o644))
}

func (t *DriveTest) path(name string) request.Path {
	p, err := request.NewPath(t.root, name)
	AssertEq(nil, err)
	return p
}

func (t *DriveTest) read(name string, offset, size uint64) *request.Request {
	r := request.NewRead(t.path(name), offset, size, nil)
	t.drive.PrepareRequest(r)
	return r
}

func (t *DriveTest) execute() {
	t.clock.AdvanceTime(time.Second)
	ExpectTrue(t.drive.ExecuteRequests())
}

func (t *DriveTest) cached() []string {
	var names []string
	for _, p := range t.drive.CachedPaths() {
		names = append(names, p.Relative())
	}
	return names
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *DriveTest) FreshDriveIsUnlimited() {
	ExpectEq(Unlimited, t.drive.AvailableRequestSlots())
	ExpectFalse(t.drive.ExecuteRequests())
}

func (t *DriveTest) ExecutesInSubmissionOrder() {
	a := t.read("a", 0, 1)
	b := t.read("b", 0, 1)
	c := t.read("c", 0, 1)
	for i := 0; i < 3; i++ {
		t.execute()
	}
	ExpectFalse(t.drive.ExecuteRequests())

	AssertEq(3, len(t.completions))
	ExpectTrue(t.completions[0].Request == a)
	ExpectTrue(t.completions[1].Request == b)
	ExpectTrue(t.completions[2].Request == c)
}

func (t *DriveTest) TwoHandlesEvictLeastRecentlyUsed() {
	a1 := t.read("a", 0, 100)
	b := t.read("b", 0, 50)
	a2 := t.read("a", 100, 100)
	c := t.read("c", 0, 10)

	t.execute()
	t.execute()
	t.execute()
	ExpectEq(request.Completed, a1.Status())
	ExpectEq(request.Completed, b.Status())
	ExpectEq(request.Completed, a2.Status())
	ExpectEq(request.Pending, c.Status())
	ExpectThat(t.cached(), ElementsAre("a", "b"))
	ExpectEq(199, a2.Output[99])

	// a was used after b, so b goes
	t.execute()
	ExpectEq(request.Completed, c.Status())
	ExpectEq(10, c.BytesRead)
	ExpectThat(t.cached(), ElementsAre("a", "c"))
}

func (t *DriveTest) OlderFileEvictedWhenTouchedFirst() {
	t.read("a", 0, 10)
	t.read("b", 0, 10)
	t.read("b", 10, 10)
	t.read("c", 0, 10)
	for i := 0; i < 4; i++ {
		t.execute()
	}
	ExpectThat(t.cached(), ElementsAre("c", "b"))
}

func (t *DriveTest) CacheHitTakesNoOpenSample() {
	t.read("a", 0, 10)
	t.execute()
	before := t.drive.openCloseStat.Samples()
	t.read("a", 10, 10)
	t.execute()
	ExpectEq(before, t.drive.openCloseStat.Samples())
	ExpectEq(1, before)
}

func (t *DriveTest) WarmDriveReportsBudget() {
	t.read("a", 0, 10)
	t.execute()
	ExpectEq(MaxRequests, t.drive.AvailableRequestSlots())
	t.read("a", 10, 10)
	ExpectEq(0, t.drive.AvailableRequestSlots())
	t.read("a", 20, 10)
	ExpectEq(0, t.drive.AvailableRequestSlots())
}
