// Package logging mirrors terminal output to the coordination service in
// batches, the way the agent has always reported what it's doing.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Sink receives batched terminal output. The API façade implements this by
// sending the text as a NotifyTerminalOutput command.
type Sink interface {
	NotifyTerminalOutput(text string)
}

// Logger buffers log lines and flushes them to a Sink on a timer, exactly as
// the agent's uplink has always done, so a burst of lines becomes one
// network message instead of many.
type Logger struct {
	sink Sink

	mu    sync.Mutex
	lines []string
	start time.Time

	file *os.File
}

func New(sink Sink, logDir string) *Logger {
	l := &Logger{sink: sink}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err == nil {
			l.openLogFile(logDir)
		}
	}
	return l
}

func (l *Logger) openLogFile(dir string) {
	path := filepath.Join(dir, "hostagent.log")
	if fi, err := os.Stat(path); err == nil && fi.Size() > 10<<20 {
		l.rotate(path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		l.file = f
	}
}

// rotate gzip-compresses the current log file before a fresh one is opened,
// keeping long-running hosts from accumulating unbounded plaintext logs.
func (l *Logger) rotate(path string) {
	src, err := os.Open(path)
	if err != nil {
		return
	}
	defer src.Close()
	dst, err := os.Create(path + "." + time.Now().UTC().Format("20060102T150405") + ".gz")
	if err != nil {
		return
	}
	defer dst.Close()
	gw := gzip.NewWriter(dst)
	defer gw.Close()
	io.Copy(gw, src)
	os.Remove(path)
}

// Logf writes a formatted line to stderr/disk immediately and buffers it for
// the next batched flush to the server.
func (l *Logger) Logf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	format = strings.TrimRight(format, "\n")
	line := fmt.Sprintf(format, args...)
	if len(l.lines) == 0 {
		l.start = time.Now()
	}
	l.lines = append(l.lines, line)
	log.Print(line)
	if l.file != nil {
		fmt.Fprintln(l.file, line)
	}
}

// RunFlushLoop flushes pending lines to the server once per delay, never
// sooner than half the delay after the batch started, to let short bursts
// coalesce into a single push message.
func (l *Logger) RunFlushLoop(delay time.Duration) {
	for {
		time.Sleep(delay)
		l.flush(delay)
	}
}

func (l *Logger) flush(delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) == 0 {
		return
	}
	if time.Since(l.start) < delay/2 {
		return
	}
	if l.sink != nil {
		l.sink.NotifyTerminalOutput(strings.Join(l.lines, "\n"))
	}
	l.lines = nil
}

// Fatalf logs a fatal message and gives the logger time to flush it to the
// server before the process exits, matching the agent's long-standing
// "leave time for the final message to go out" behavior.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	time.Sleep(5 * time.Second)
	l.Logf("FATAL: "+format, args...)
	l.flush(0)
	time.Sleep(5 * time.Second)
	os.Exit(1)
}
