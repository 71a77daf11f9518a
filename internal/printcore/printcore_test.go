package printcore

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/botqio/hostagent/internal/transport"
)

// fakeTransport is an in-memory Transport double: writes are captured in
// order, and the test feeds synthetic firmware lines to ReadLine.
type fakeTransport struct {
	mu      sync.Mutex
	writes  []string
	lines   chan string
	checks  bool
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{lines: make(chan string, 64), checks: true}
}

func (f *fakeTransport) Connect() error    { return nil }
func (f *fakeTransport) Disconnect() error { f.closed = true; return nil }
func (f *fakeTransport) Reset() error      { return nil }
func (f *fakeTransport) UsesChecksum() bool { return f.checks }
func (f *fakeTransport) CanListen() bool    { return !f.closed }

func (f *fakeTransport) ReadLine() (string, error) {
	select {
	case l := <-f.lines:
		return l, nil
	case <-time.After(300 * time.Millisecond):
		return "", nil
	}
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (f *fakeTransport) writesSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeTransport) feed(line string) { f.lines <- line }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestBringOnlineTransitionsToOnlineOnGreeting(t *testing.T) {
	ft := newFakeTransport()
	e := NewEngine(nil)
	if err := e.Connect(ft); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer e.Disconnect()

	done := make(chan error, 1)
	go func() { done <- e.BringOnline() }()
	ft.feed("start")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("BringOnline: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("BringOnline did not return")
	}
	if !e.Online() {
		t.Fatal("expected engine to be online")
	}
}

func TestStartPrintFramesChecksummedLines(t *testing.T) {
	ft := newFakeTransport()
	e := NewEngine(nil)
	if err := e.Connect(ft); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer e.Disconnect()

	go func() {
		ft.feed("start")
		for {
			time.Sleep(2 * time.Millisecond)
			ft.feed("ok")
		}
	}()
	waitFor(t, time.Second, e.Online)

	if err := e.StartPrint([]string{"G28 Z0 F150", "G1 X10"}); err != nil {
		t.Fatalf("StartPrint: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, w := range ft.writesSnapshot() {
			if strings.HasPrefix(w, "N0 G28") {
				return true
			}
		}
		return false
	})
	writes := ft.writesSnapshot()
	foundM110 := false
	for _, w := range writes {
		if strings.HasPrefix(w, "N-1 M110") {
			foundM110 = true
		}
	}
	if !foundM110 {
		t.Fatalf("expected an M110 reset frame, got: %v", writes)
	}
}

func TestEmptyGcodeStartPrintReturnsImmediately(t *testing.T) {
	ft := newFakeTransport()
	e := NewEngine(nil)
	if err := e.Connect(ft); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer e.Disconnect()
	go func() { ft.feed("start") }()
	waitFor(t, time.Second, e.Online)

	if err := e.StartPrint(nil); err != nil {
		t.Fatalf("StartPrint with empty gcode should succeed, got: %v", err)
	}
	if e.Printing() {
		t.Fatal("expected printing to remain false for an empty job")
	}
}
