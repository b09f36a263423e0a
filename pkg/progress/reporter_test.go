package progress

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// recorder collects delivered snapshots.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) OnProgress(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func TestReporter_Record(t *testing.T) {
	rec := &recorder{}
	r := NewReporter(3, rec, testLogger())

	r.Record(0, true)
	r.Record(1, false)
	if r.Record(1, true) {
		t.Error("second record of the same index should be ignored")
	}
	if r.Record(7, true) {
		t.Error("out of range index should be ignored")
	}
	r.Record(2, true)

	if !r.Close(time.Second) {
		t.Fatal("Close() timed out")
	}

	want := Snapshot{Processed: 3, Successful: 2, Errors: 1, Total: 3}
	if r.Snapshot() != want {
		t.Errorf("Snapshot() = %+v, want %+v", r.Snapshot(), want)
	}
	got := rec.all()
	if len(got) == 0 || len(got) > 3 {
		t.Fatalf("observer called %d times, want 1 to 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Processed <= got[i-1].Processed {
			t.Errorf("snapshots not monotonic: %+v", got)
		}
	}
	if got[len(got)-1] != want {
		t.Errorf("last delivered = %+v, want %+v", got[len(got)-1], want)
	}
}

func TestReporter_BlockedObserver(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	rec := &recorder{}
	r := NewReporter(50, ObserverFunc(func(s Snapshot) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		rec.OnProgress(s)
	}), testLogger())

	r.Record(0, true)
	<-entered

	// The observer is stuck on the first snapshot; recording must not wait.
	done := make(chan struct{})
	go func() {
		for i := 1; i < 50; i++ {
			r.Record(i, i%5 != 0)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record() blocked on a stuck observer")
	}

	if r.Close(20 * time.Millisecond) {
		t.Error("Close() = true while the observer is still blocked")
	}

	close(release)
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery did not finish after the observer was released")
	}

	// Intermediate snapshots coalesce; the final one is still delivered.
	got := rec.all()
	if len(got) < 2 {
		t.Fatalf("delivered %d snapshots, want at least 2", len(got))
	}
	if last := got[len(got)-1]; last.Processed != 50 || last.Errors != 10 {
		t.Errorf("last delivered = %+v, want processed 50 errors 10", last)
	}
}

func TestReporter_RecordAfterClose(t *testing.T) {
	rec := &recorder{}
	r := NewReporter(2, rec, testLogger())
	r.Record(0, true)
	r.Close(time.Second)
	r.Close(time.Second)

	if !r.Record(1, true) {
		t.Error("Record() after Close() should still count")
	}
	if r.Snapshot().Processed != 2 {
		t.Errorf("Processed = %d, want 2", r.Snapshot().Processed)
	}
	for _, s := range rec.all() {
		if s.Processed == 2 {
			t.Error("snapshot recorded after Close() was delivered")
		}
	}
}

func TestReporter_Concurrent(t *testing.T) {
	const total = 200
	var (
		mu   sync.Mutex
		last int
		ok   = true
	)
	r := NewReporter(total, ObserverFunc(func(s Snapshot) {
		mu.Lock()
		if s.Processed < last {
			ok = false
		}
		last = s.Processed
		mu.Unlock()
	}), testLogger())

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r.Record(i, i%2 == 0)
			}(i)
		}
	}
	wg.Wait()
	r.Close(time.Second)

	s := r.Snapshot()
	if s.Processed != total || s.Successful != total/2 || s.Errors != total/2 {
		t.Errorf("Snapshot() = %+v", s)
	}
	if !ok {
		t.Error("observer saw a decreasing processed count")
	}
}

func TestReporter_ObserverPanic(t *testing.T) {
	r := NewReporter(2, ObserverFunc(func(Snapshot) { panic("socket closed") }), testLogger())

	r.Record(0, true)
	r.Record(1, true)

	if !r.Close(time.Second) {
		t.Error("Close() should finish after observer panics")
	}
	if r.Snapshot().Processed != 2 {
		t.Error("observer panic should not affect counting")
	}
}

func TestReporter_NilObserver(t *testing.T) {
	r := NewReporter(1, nil, testLogger())
	if !r.Record(0, false) {
		t.Error("Record() with nil observer should count")
	}
	if !r.Close(0) {
		t.Error("Close() with nil observer should return immediately")
	}
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	LogObserver{Logger: zerolog.New(&buf)}.OnProgress(Snapshot{Processed: 1, Successful: 1, Total: 4})

	if !strings.Contains(buf.String(), `"percent":25`) {
		t.Errorf("log output = %s", buf.String())
	}
}

func TestMulti(t *testing.T) {
	calls := 0
	count := ObserverFunc(func(Snapshot) { calls++ })
	Multi(count, nil, count).OnProgress(Snapshot{})
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestMulti_PanicDoesNotSkipOthers(t *testing.T) {
	calls := 0
	boom := ObserverFunc(func(Snapshot) { panic("socket closed") })
	count := ObserverFunc(func(Snapshot) { calls++ })

	func() {
		defer func() {
			if p := recover(); p != "socket closed" {
				t.Errorf("recovered %v, want the observer's panic", p)
			}
		}()
		Multi(boom, count, boom, count).OnProgress(Snapshot{})
	}()
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestReporter_MultiPanicStillDelivers(t *testing.T) {
	rec := &recorder{}
	r := NewReporter(1, Multi(ObserverFunc(func(Snapshot) { panic("boom") }), rec), testLogger())
	r.Record(0, true)
	r.Close(time.Second)

	if got := rec.all(); len(got) != 1 || got[0].Processed != 1 {
		t.Errorf("delivered = %+v, want one snapshot", got)
	}
}
