// Package driver exposes a uniform capability set over a printcore Engine,
// regardless of which Transport backs it, plus a Dummy driver used for
// tests and demos.
package driver

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/botqio/hostagent/internal/model"
	"github.com/botqio/hostagent/internal/printcore"
	"github.com/botqio/hostagent/internal/transport"
)

// Driver is the uniform interface a Bot Worker drives. Implementations
// swallow subscriber panics in their callback invocations.
type Driver interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Start(filePath string) error
	Stop() error

	OnConnected(func())
	OnDisconnected(func())
	OnJobStarted(func())
	OnJobFinished(func())
	OnJobProgress(func(percent float64))
}

// Factory builds a Driver for a given configuration.
func Factory(cfg *model.DriverConfig) (Driver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("driver: nil config")
	}
	switch cfg.Kind {
	case model.DriverSerial:
		return NewPrinterDriver(transport.NewSerial(cfg.Port, cfg.Baud)), nil
	case model.DriverTCP:
		return NewPrinterDriver(transport.NewTCP(fmt.Sprintf("%s:%d", cfg.Host, cfg.TCPPort))), nil
	case model.DriverDummy:
		delay := cfg.CommandDelay
		if delay <= 0 {
			delay = 100 * time.Millisecond
		}
		return NewDummyDriver(delay), nil
	default:
		return nil, fmt.Errorf("driver: unknown kind %q", cfg.Kind)
	}
}

// callbacks is embedded by both driver implementations; each slot holds at
// most one subscriber; setting a callback replaces the previous one.
type callbacks struct {
	mu          sync.Mutex
	connected   func()
	disconnected func()
	jobStarted  func()
	jobFinished func()
	jobProgress func(float64)
}

func (c *callbacks) OnConnected(f func())             { c.mu.Lock(); c.connected = f; c.mu.Unlock() }
func (c *callbacks) OnDisconnected(f func())          { c.mu.Lock(); c.disconnected = f; c.mu.Unlock() }
func (c *callbacks) OnJobStarted(f func())            { c.mu.Lock(); c.jobStarted = f; c.mu.Unlock() }
func (c *callbacks) OnJobFinished(f func())            { c.mu.Lock(); c.jobFinished = f; c.mu.Unlock() }
func (c *callbacks) OnJobProgress(f func(float64))    { c.mu.Lock(); c.jobProgress = f; c.mu.Unlock() }

func (c *callbacks) fireConnected()    { c.call(func() { safe(c.get().connected) }) }
func (c *callbacks) fireDisconnected() { c.call(func() { safe(c.get().disconnected) }) }
func (c *callbacks) fireJobStarted()   { c.call(func() { safe(c.get().jobStarted) }) }
func (c *callbacks) fireJobFinished()  { c.call(func() { safe(c.get().jobFinished) }) }
func (c *callbacks) fireJobProgress(p float64) {
	c.call(func() {
		cb := c.get().jobProgress
		if cb == nil {
			return
		}
		defer func() { recover() }()
		cb(p)
	})
}

func (c *callbacks) call(fn func()) { fn() }

func (c *callbacks) get() callbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return callbacks{connected: c.connected, disconnected: c.disconnected, jobStarted: c.jobStarted, jobFinished: c.jobFinished, jobProgress: c.jobProgress}
}

func safe(f func()) {
	if f == nil {
		return
	}
	defer func() { recover() }()
	f()
}

// loadGcodeLines reads a gcode file as UTF-8 text, one trimmed line per
// sequence element, the way the engine's StartPrint expects.
func loadGcodeLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// PrinterDriver drives a real or networked printer through a printcore
// Engine, reporting progress on a 10s sampling cadence while printing.
type PrinterDriver struct {
	callbacks
	transport transport.Transport
	engine    *printcore.Engine
	events    *printcore.ProxyEventHandler

	mu        sync.Mutex
	numLines  int
	cancelRep context.CancelFunc
}

func NewPrinterDriver(t transport.Transport) *PrinterDriver {
	events := printcore.NewProxyEventHandler(nil)
	d := &PrinterDriver{transport: t, events: events}
	d.engine = printcore.NewEngine(events)
	events.Register(&driverEventAdapter{d: d})
	return d
}

// driverEventAdapter bridges the engine's event surface to the driver's
// job_finished callback: a print ending (on_end) is what the engine calls
// "end", and it's what the driver calls "finished".
type driverEventAdapter struct {
	printcore.NopEventHandler
	d *PrinterDriver
}

func (a *driverEventAdapter) OnEnd() {
	a.d.fireJobFinished()
}

// Connect blocks the caller until the engine reports online, polling at a
// 2s interval, matching the original driver's connect() contract.
func (d *PrinterDriver) Connect(ctx context.Context) error {
	if err := d.engine.Connect(d.transport); err != nil {
		return err
	}
	go func() {
		if err := d.engine.BringOnline(); err != nil {
			return
		}
		d.fireConnected()
		repCtx, cancel := context.WithCancel(context.Background())
		d.mu.Lock()
		d.cancelRep = cancel
		d.mu.Unlock()
		go d.runProgressReporter(repCtx)
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.engine.Online() {
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}

func (d *PrinterDriver) Disconnect() error {
	d.mu.Lock()
	if d.cancelRep != nil {
		d.cancelRep()
	}
	d.mu.Unlock()
	err := d.engine.Disconnect()
	d.fireDisconnected()
	return err
}

func (d *PrinterDriver) Start(filePath string) error {
	lines, err := loadGcodeLines(filePath)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.numLines = len(lines)
	d.mu.Unlock()
	if err := d.engine.StartPrint(lines); err != nil {
		return err
	}
	d.fireJobStarted()
	return nil
}

// Stop is a best-effort cancel; the print loop observes the disconnect and
// unwinds on its own.
func (d *PrinterDriver) Stop() error {
	return d.engine.Disconnect()
}

func (d *PrinterDriver) runProgressReporter(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.engine.Printing() {
				if !d.engine.Online() {
					return
				}
				continue
			}
			d.mu.Lock()
			n := d.numLines
			d.mu.Unlock()
			if n == 0 {
				continue
			}
			d.fireJobProgress(d.engine.Progress(n))
		}
	}
}
