package driver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DummyDriver simulates a print by sleeping command_delay between lines; it
// is used for demos and for exercising the Bot Worker without real
// hardware. It reports progress roughly every 0.1% of lines and honors a
// cancel signal.
type DummyDriver struct {
	callbacks
	delay time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	running int32
}

func NewDummyDriver(delay time.Duration) *DummyDriver {
	return &DummyDriver{delay: delay}
}

func (d *DummyDriver) Connect(ctx context.Context) error {
	d.fireConnected()
	return nil
}

func (d *DummyDriver) Disconnect() error {
	d.Stop()
	d.fireDisconnected()
	return nil
}

func (d *DummyDriver) Start(filePath string) error {
	lines, err := loadGcodeLines(filePath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	atomic.StoreInt32(&d.running, 1)

	go d.run(ctx, lines)
	d.fireJobStarted()
	return nil
}

func (d *DummyDriver) Stop() error {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (d *DummyDriver) run(ctx context.Context, lines []string) {
	defer atomic.StoreInt32(&d.running, 0)
	total := len(lines)
	if total == 0 {
		d.fireJobFinished()
		return
	}
	updateEvery := total / 1000
	if updateEvery < 1 {
		updateEvery = 1
	}
	for i := range lines {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.delay):
		}
		if i%updateEvery == 0 || i == total-1 {
			d.fireJobProgress(float64(i+1) / float64(total) * 100)
		}
	}
	d.fireJobFinished()
}
