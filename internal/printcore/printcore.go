// Package printcore implements the checksummed, flow-controlled line
// protocol spoken to printer firmware: bring-online probing, a main print
// queue, a priority out-of-band queue, and resend handling.
package printcore

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/botqio/hostagent/gcode"
	"github.com/botqio/hostagent/internal/metrics"
	"github.com/botqio/hostagent/internal/transport"
)

// connectMu serializes connect/disconnect across every Engine instance, so
// at most one transport handshake is ever in flight host-wide.
var connectMu sync.Mutex

var greetings = []string{"start", "Grbl "}

// commentRe strips parenthesized comments, ';' line comments, and trailing
// '/'/'*' block markers, mirroring the firmware comment grammar.
var commentRe = regexp.MustCompile(`\([^()]*\)|;.*|[/*].*`)

const sentLinesCap = 1024

// rawLogCap bounds the engine's raw exchange log, mirroring the original
// driver's maxlen=10000 deque of everything sent and received — kept purely
// for crash diagnostics, distinct from sentLines' resend-replay purpose.
const rawLogCap = 10000

// EventHandler is the engine's event surface. Implementations must not
// block; On* methods are invoked synchronously from engine goroutines.
type EventHandler interface {
	OnInit()
	OnConnect()
	OnDisconnect()
	OnSend(cmd, parsed string)
	OnReceive(line string)
	OnOnline()
	OnTemp(line string)
	OnError(line string)
	OnStart(resuming bool)
	OnEnd()
}

// NopEventHandler implements EventHandler with no-ops, for embedding.
type NopEventHandler struct{}

func (NopEventHandler) OnInit()              {}
func (NopEventHandler) OnConnect()           {}
func (NopEventHandler) OnDisconnect()        {}
func (NopEventHandler) OnSend(_, _ string)   {}
func (NopEventHandler) OnReceive(_ string)   {}
func (NopEventHandler) OnOnline()            {}
func (NopEventHandler) OnTemp(_ string)      {}
func (NopEventHandler) OnError(_ string)     {}
func (NopEventHandler) OnStart(_ bool)       {}
func (NopEventHandler) OnEnd()               {}

// ProxyEventHandler fans events out to every registered handler, catching
// and logging panics so one misbehaving subscriber cannot break the engine.
type ProxyEventHandler struct {
	mu       sync.Mutex
	handlers []EventHandler
	onPanic  func(event string, r interface{})
}

func NewProxyEventHandler(onPanic func(event string, r interface{})) *ProxyEventHandler {
	return &ProxyEventHandler{onPanic: onPanic}
}

func (p *ProxyEventHandler) Register(h EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

func (p *ProxyEventHandler) dispatch(event string, fn func(EventHandler)) {
	p.mu.Lock()
	hs := append([]EventHandler(nil), p.handlers...)
	p.mu.Unlock()
	for _, h := range hs {
		p.safe(event, h, fn)
	}
}

func (p *ProxyEventHandler) safe(event string, h EventHandler, fn func(EventHandler)) {
	defer func() {
		if r := recover(); r != nil {
			if p.onPanic != nil {
				p.onPanic(event, r)
			} else {
				log.Printf("printcore: %s handler panicked: %v", event, r)
			}
		}
	}()
	fn(h)
}

func (p *ProxyEventHandler) OnInit()      { p.dispatch("OnInit", func(h EventHandler) { h.OnInit() }) }
func (p *ProxyEventHandler) OnConnect()   { p.dispatch("OnConnect", func(h EventHandler) { h.OnConnect() }) }
func (p *ProxyEventHandler) OnDisconnect() {
	p.dispatch("OnDisconnect", func(h EventHandler) { h.OnDisconnect() })
}
func (p *ProxyEventHandler) OnSend(cmd, parsed string) {
	p.dispatch("OnSend", func(h EventHandler) { h.OnSend(cmd, parsed) })
}
func (p *ProxyEventHandler) OnReceive(line string) {
	p.dispatch("OnReceive", func(h EventHandler) { h.OnReceive(line) })
}
func (p *ProxyEventHandler) OnOnline() { p.dispatch("OnOnline", func(h EventHandler) { h.OnOnline() }) }
func (p *ProxyEventHandler) OnTemp(line string) {
	p.dispatch("OnTemp", func(h EventHandler) { h.OnTemp(line) })
}
func (p *ProxyEventHandler) OnError(line string) {
	p.dispatch("OnError", func(h EventHandler) { h.OnError(line) })
}
func (p *ProxyEventHandler) OnStart(resuming bool) {
	p.dispatch("OnStart", func(h EventHandler) { h.OnStart(resuming) })
}
func (p *ProxyEventHandler) OnEnd() { p.dispatch("OnEnd", func(h EventHandler) { h.OnEnd() }) }

// Engine is a single bot's protocol engine instance. It owns at most one
// Transport at a time.
type Engine struct {
	events *ProxyEventHandler

	mu          sync.Mutex
	transport   transport.Transport
	online      bool
	printing    bool
	paused      bool
	clearToSend bool

	mainQueue  []string
	queueIndex int
	lineNumber int
	resendFrom int
	sentLines  map[int]string

	priorityQueue chan string

	writeFailures int

	rawLog []string

	stopReader chan struct{}
	stopPrint  chan struct{}
	readerDone chan struct{}
	printDone  chan struct{}
}

func NewEngine(events *ProxyEventHandler) *Engine {
	if events == nil {
		events = NewProxyEventHandler(nil)
	}
	return &Engine{
		events:        events,
		resendFrom:    -1,
		sentLines:     make(map[int]string),
		priorityQueue: make(chan string, 256),
	}
}

func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *Engine) Printing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.printing
}

// RawLog returns a snapshot of the most recent rawLogCap sent/received
// lines, oldest first, for crash diagnostics. It is read-only: callers get
// a copy and cannot affect the engine's own bookkeeping.
func (e *Engine) RawLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.rawLog))
	copy(out, e.rawLog)
	return out
}

// appendRawLog records one exchanged line, trimming the oldest entries once
// the cap is reached. Callers must hold e.mu.
func (e *Engine) appendRawLog(entry string) {
	e.rawLog = append(e.rawLog, entry)
	if len(e.rawLog) > rawLogCap {
		e.rawLog = e.rawLog[len(e.rawLog)-rawLogCap:]
	}
}

// Progress reports queue_index / numLines as a percentage, for the
// driver's periodic progress sampling.
func (e *Engine) Progress(numLines int) float64 {
	if numLines <= 0 {
		return 0
	}
	e.mu.Lock()
	idx := e.queueIndex
	e.mu.Unlock()
	pct := float64(idx) / float64(numLines) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Connect opens t, disconnecting any previously held transport first, and
// starts the reader/sender tasks. Serialized host-wide.
func (e *Engine) Connect(t transport.Transport) error {
	connectMu.Lock()
	defer connectMu.Unlock()

	e.mu.Lock()
	hadTransport := e.transport != nil
	e.mu.Unlock()
	if hadTransport {
		if err := e.disconnectLocked(); err != nil {
			return err
		}
	}

	if err := t.Connect(); err != nil {
		return err
	}

	e.mu.Lock()
	e.transport = t
	e.online = false
	e.printing = false
	e.writeFailures = 0
	e.stopReader = make(chan struct{})
	e.readerDone = make(chan struct{})
	e.mu.Unlock()

	go e.readerLoop()
	go e.senderLoop()
	e.events.OnConnect()
	return nil
}

// Disconnect tears everything down and is serialized with Connect.
func (e *Engine) Disconnect() error {
	connectMu.Lock()
	defer connectMu.Unlock()
	return e.disconnectLocked()
}

func (e *Engine) disconnectLocked() error {
	e.mu.Lock()
	t := e.transport
	stopReader := e.stopReader
	readerDone := e.readerDone
	e.printing = false
	e.mu.Unlock()

	if stopReader != nil {
		close(stopReader)
	}
	if readerDone != nil {
		<-readerDone
	}
	e.stopPrintTask()

	var err error
	if t != nil {
		err = t.Disconnect()
	}

	e.mu.Lock()
	e.transport = nil
	e.online = false
	e.mu.Unlock()

	e.events.OnDisconnect()
	return err
}

func (e *Engine) stopPrintTask() {
	e.mu.Lock()
	stop := e.stopPrint
	done := e.printDone
	e.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	if done != nil {
		<-done
	}
}

// BringOnline probes with M105 until the reader marks the engine online
// (on a greeting, an "ok", or a temperature line). It checks every 100ms,
// re-probes after 15 checks without coming online, and gives up once 4
// probes in total could not be queued.
func (e *Engine) BringOnline() error {
	failures := 0
	emptyReads := 0
	if err := e.sendNowRaw("M105"); err != nil {
		failures++
	}
	for {
		if e.Online() {
			return nil
		}
		if failures >= 4 {
			return fmt.Errorf("printcore: bring-online aborted after %d write failures", failures)
		}
		time.Sleep(100 * time.Millisecond)
		emptyReads++
		if emptyReads >= 15 {
			emptyReads = 0
			if err := e.sendNowRaw("M105"); err != nil {
				failures++
			}
		}
	}
}

func (e *Engine) sendNowRaw(cmd string) error {
	select {
	case e.priorityQueue <- cmd:
		return nil
	default:
		return fmt.Errorf("printcore: priority queue full")
	}
}

// readerLoop blocks reading one line at a time and applies reader
// semantics, setting clear_to_send and firing events as appropriate.
func (e *Engine) readerLoop() {
	defer close(e.readerDone)
	for {
		select {
		case <-e.stopReader:
			return
		default:
		}
		line, err := e.transport.ReadLine()
		if err != nil {
			if te, ok := err.(*transport.Error); ok && te.Kind == transport.EndOfFile {
				e.mu.Lock()
				e.printing = false
				e.mu.Unlock()
				return
			}
			continue
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		e.handleLine(line)
	}
}

func (e *Engine) handleLine(line string) {
	e.mu.Lock()
	e.appendRawLog("< " + line)
	e.mu.Unlock()
	e.events.OnReceive(line)
	if strings.HasPrefix(line, "DEBUG_") {
		return
	}

	lower := strings.ToLower(line)
	isGreeting := false
	for _, g := range greetings {
		if strings.HasPrefix(line, g) {
			isGreeting = true
			break
		}
	}
	isOK := strings.HasPrefix(line, "ok")

	if isGreeting || isOK {
		e.mu.Lock()
		e.clearToSend = true
		wasOnline := e.online
		e.online = true
		e.mu.Unlock()
		if !wasOnline {
			e.events.OnOnline()
		}
		if isOK && strings.Contains(line, "T:") {
			e.events.OnTemp(line)
		}
		return
	}

	if strings.Contains(line, "T:") {
		e.mu.Lock()
		wasOnline := e.online
		e.online = true
		e.mu.Unlock()
		if !wasOnline {
			e.events.OnOnline()
		}
	}

	if strings.HasPrefix(line, "Error") {
		e.events.OnError(line)
		return
	}

	if strings.HasPrefix(lower, "resend") || strings.HasPrefix(lower, "rs") {
		digits := lower
		for _, sub := range []string{"n:", "n", ":"} {
			digits = strings.ReplaceAll(digits, sub, "")
		}
		digits = strings.TrimPrefix(digits, "resend")
		digits = strings.TrimPrefix(digits, "rs")
		digits = firstInt(digits)
		if n, err := strconv.Atoi(digits); err == nil {
			e.mu.Lock()
			e.resendFrom = n
			e.clearToSend = true
			e.mu.Unlock()
		}
	}
}

func firstInt(s string) string {
	start := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			if start == -1 {
				start = i
			}
		} else if start != -1 {
			return s[start:i]
		}
	}
	if start != -1 {
		return s[start:]
	}
	return ""
}

// senderLoop drains the priority FIFO while no print is active; while a
// print is active, the print loop itself drains priority entries so the
// two never race to send.
func (e *Engine) senderLoop() {
	for {
		select {
		case <-e.readerDone:
			return
		case cmd := <-e.priorityQueue:
			e.mu.Lock()
			printing := e.printing
			e.mu.Unlock()
			if printing {
				// Hand the entry back; the print loop's step 4 will pick it up.
				e.priorityQueue <- cmd
				time.Sleep(time.Millisecond)
				continue
			}
			// Before the engine is online nothing has set clear_to_send, and
			// the bring-online probe must still go out.
			if e.Online() {
				e.waitClearToSend()
			}
			e.writeRaw(cmd + "\n")
		}
	}
}

func (e *Engine) waitClearToSend() {
	for {
		e.mu.Lock()
		ok := e.clearToSend
		e.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// StartPrint resets line accounting, sends M110, and spawns the print
// task. Refuses if already printing, not online, or no transport.
func (e *Engine) StartPrint(lines []string) error {
	e.mu.Lock()
	if e.printing || !e.online || e.transport == nil {
		e.mu.Unlock()
		return fmt.Errorf("printcore: cannot start print (printing=%v online=%v)", e.printing, e.online)
	}
	if len(lines) == 0 {
		e.mu.Unlock()
		return nil
	}
	e.mainQueue = lines
	e.queueIndex = 0
	e.lineNumber = 0
	e.resendFrom = -1
	e.printing = true
	e.clearToSend = false
	e.stopPrint = make(chan struct{})
	e.printDone = make(chan struct{})
	e.mu.Unlock()

	e.writeFramed(-1, "M110")
	e.events.OnStart(false)
	go e.printLoop()
	return nil
}

func (e *Engine) printLoop() {
	defer close(e.printDone)
	for {
		select {
		case <-e.stopPrint:
			return
		default:
		}
		if !e.printStep() {
			return
		}
	}
}

// printStep executes one step of the print loop state machine described by
// the engine spec; it returns false when the print loop should exit.
func (e *Engine) printStep() bool {
	for {
		e.mu.Lock()
		printing := e.printing
		cts := e.clearToSend
		e.mu.Unlock()
		if !printing {
			return false
		}
		if cts {
			break
		}
		time.Sleep(time.Millisecond)
	}

	e.mu.Lock()
	if !(e.printing && e.online && e.transport != nil) {
		e.clearToSend = true
		e.mu.Unlock()
		return false
	}
	// Whatever this step sends waits for the firmware's next ack; the paths
	// that send nothing set the gate again.
	e.clearToSend = false

	if e.resendFrom >= 0 && e.resendFrom < e.lineNumber {
		text, ok := e.sentLines[e.resendFrom]
		n := e.resendFrom
		e.resendFrom++
		e.mu.Unlock()
		if ok {
			metrics.ResendsTotal.Inc()
			e.writeRaw(text + "\n")
		} else {
			e.mu.Lock()
			e.clearToSend = true
			e.mu.Unlock()
			e.events.OnError(fmt.Sprintf("cannot resend line %d: no longer in the send cache", n))
		}
		return true
	}
	e.resendFrom = -1
	e.mu.Unlock()

	select {
	case cmd := <-e.priorityQueue:
		e.writeRaw(cmd + "\n")
		return true
	default:
	}

	e.mu.Lock()
	if e.queueIndex >= len(e.mainQueue) {
		e.printing = false
		e.clearToSend = true
		paused := e.paused
		if !paused {
			e.queueIndex = 0
			e.lineNumber = 0
		}
		e.mu.Unlock()
		if !paused {
			e.writeFramed(-1, "M110")
		}
		e.events.OnEnd()
		return false
	}
	raw := e.mainQueue[e.queueIndex]
	e.mu.Unlock()

	if strings.HasPrefix(raw, ";@") {
		// Host command stub: intentionally a no-op.
		e.mu.Lock()
		e.queueIndex++
		e.clearToSend = true
		e.mu.Unlock()
		return true
	}

	stripped := strings.TrimSpace(commentRe.ReplaceAllString(raw, ""))
	if stripped == "" {
		e.mu.Lock()
		e.queueIndex++
		e.clearToSend = true
		e.mu.Unlock()
		return true
	}

	e.mu.Lock()
	n := e.lineNumber
	usesChecksum := e.transport.UsesChecksum()
	e.mu.Unlock()

	var framed string
	if usesChecksum {
		framed = gcode.AddLineAndHash(n, stripped)
	} else {
		framed = stripped
	}
	e.writeRaw(framed + "\n")
	e.events.OnSend(framed, stripped)

	e.mu.Lock()
	if !strings.Contains(stripped, "M110") {
		e.sentLines[n] = framed
		if old := n - sentLinesCap; old >= 0 {
			delete(e.sentLines, old)
		}
	}
	e.lineNumber++
	e.queueIndex++
	e.mu.Unlock()
	return true
}

// writeFramed frames a single out-of-band line (such as M110) with the
// checksum scheme and writes it directly, bypassing the queues.
func (e *Engine) writeFramed(lineNumber int, cmd string) {
	e.mu.Lock()
	usesChecksum := e.transport != nil && e.transport.UsesChecksum()
	e.mu.Unlock()
	text := cmd
	if usesChecksum {
		text = gcode.AddLineAndHash(lineNumber, cmd)
	}
	e.writeRaw(text + "\n")
}

func (e *Engine) writeRaw(text string) {
	e.mu.Lock()
	t := e.transport
	e.appendRawLog("> " + strings.TrimRight(text, "\r\n"))
	e.mu.Unlock()
	if t == nil {
		return
	}
	if _, err := t.Write([]byte(text)); err != nil {
		e.mu.Lock()
		e.writeFailures++
		e.mu.Unlock()
		metrics.WriteFailuresTotal.Inc()
		e.events.OnError(fmt.Sprintf("write failed: %v", err))
	}
}

// Send enqueues an out-of-band command: onto the main queue while printing
// (so it is interleaved in order), onto the priority FIFO when idle but
// online, and is an error when offline.
func (e *Engine) Send(cmd string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.online {
		return fmt.Errorf("printcore: cannot send %q: not online", cmd)
	}
	if e.printing {
		e.mainQueue = append(e.mainQueue, cmd)
		return nil
	}
	select {
	case e.priorityQueue <- cmd:
		return nil
	default:
		return fmt.Errorf("printcore: priority queue full")
	}
}

// SendNow always enqueues onto the priority FIFO, when online.
func (e *Engine) SendNow(cmd string) error {
	if !e.Online() {
		return fmt.Errorf("printcore: cannot send_now %q: not online", cmd)
	}
	select {
	case e.priorityQueue <- cmd:
		return nil
	default:
		return fmt.Errorf("printcore: priority queue full")
	}
}
