// Package worker implements the Bot Worker: a single-threaded cooperative
// actor bound to one bot identity, owning its Driver and current Job.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/botqio/hostagent/internal/driver"
	"github.com/botqio/hostagent/internal/metrics"
	"github.com/botqio/hostagent/internal/model"
)

// API is the subset of the façade a worker calls directly.
type API interface {
	StartJob(ctx context.Context, jobID string) (*model.Job, error)
	FinishJob(ctx context.Context, jobID string) (*model.Job, error)
	UpdateJobProgress(ctx context.Context, jobID string, progress float64) error
}

// Downloader fetches a job's artifact to a local path.
type Downloader interface {
	Download(ctx context.Context, file *model.File, fileURL string) (string, error)
}

// Worker is a single bot's actor. Run must be started in its own goroutine.
type Worker struct {
	botID string
	api   API
	dl    Downloader
	inbox chan *model.WorkerCommand

	driverConfig        *model.DriverConfig
	driver              driver.Driver
	connectionAttempted bool

	// jobMu guards the fields below, which the event loop writes and the
	// driver's asynchronous progress/finished callbacks also touch.
	jobMu          sync.Mutex
	currentJob     *model.Job
	lastProgress   float64
	lastProgressAt time.Time

	shutdown bool
}

func New(botID string, api API, dl Downloader) *Worker {
	return &Worker{
		botID: botID,
		api:   api,
		dl:    dl,
		inbox: make(chan *model.WorkerCommand, 32),
	}
}

// Post enqueues a command onto the worker's inbox.
func (w *Worker) Post(cmd *model.WorkerCommand) { w.inbox <- cmd }

// SeedDriver installs the driver config a bot already carries when the
// worker spawns, without going through the inbox.
func (w *Worker) SeedDriver(cfg *model.DriverConfig) { w.driverConfig = cfg }

// Run is the worker's event loop. It attempts an initial driver connection
// (covering the common "bot already has a driver config" case), then
// dequeues commands with a short timeout until told to shut down.
func (w *Worker) Run(ctx context.Context) {
	metrics.BotWorkersActive.Inc()
	defer metrics.BotWorkersActive.Dec()

	w.attachDriver(ctx)
	for {
		select {
		case <-ctx.Done():
			if w.driver != nil {
				w.driver.Disconnect()
			}
			return
		case cmd := <-w.inbox:
			w.handle(ctx, cmd)
			if w.shutdown {
				return
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (w *Worker) handle(ctx context.Context, cmd *model.WorkerCommand) {
	defer cmd.Done()
	switch cmd.Kind {
	case model.CommandDriverUpdated:
		if w.driver != nil {
			w.driver.Disconnect()
			w.driver = nil
		}
		w.driverConfig = cmd.DriverConfig
		w.connectionAttempted = false
		w.attachDriver(ctx)
	case model.CommandRunJob:
		w.runJob(ctx, cmd.Job)
	case model.CommandShutdown:
		w.shutdown = true
		if w.driver != nil {
			w.driver.Disconnect()
		}
	case model.CommandNop:
		// Only signals completion; used by tests to barrier on the inbox.
	}
}

// attachDriver creates a Driver from the current config and connects it,
// unless one already exists, no config is set, or a connection was already
// attempted in this config epoch (preventing busy-reconnect after failure).
func (w *Worker) attachDriver(ctx context.Context) {
	if w.driverConfig == nil || w.driver != nil || w.connectionAttempted {
		return
	}
	d, err := driver.Factory(w.driverConfig)
	if err != nil {
		log.Printf("worker %s: driver factory: %v", w.botID, err)
		w.connectionAttempted = true
		return
	}
	d.OnJobFinished(func() { w.onJobFinished() })
	d.OnJobProgress(func(p float64) { w.onJobProgress(p) })
	w.connectionAttempted = true
	w.driver = d
	go func() {
		if err := d.Connect(ctx); err != nil {
			log.Printf("worker %s: driver connect: %v", w.botID, err)
		}
	}()
}

func (w *Worker) runJob(ctx context.Context, job *model.Job) {
	if job == nil {
		return
	}
	w.jobMu.Lock()
	w.currentJob = job
	w.lastProgress = 0
	w.lastProgressAt = time.Time{}
	w.jobMu.Unlock()

	fileURL := job.FileURL
	path, err := w.dl.Download(ctx, job.File, fileURL)
	if err != nil {
		log.Printf("worker %s: download job %s: %v", w.botID, job.ID, err)
		return
	}
	if _, err := w.api.StartJob(ctx, job.ID); err != nil {
		log.Printf("worker %s: StartJob %s: %v", w.botID, job.ID, err)
		return
	}
	if w.driver == nil {
		log.Printf("worker %s: cannot run job %s: no driver attached", w.botID, job.ID)
		return
	}
	if err := w.driver.Start(path); err != nil {
		log.Printf("worker %s: driver.Start: %v", w.botID, err)
	}
}

// onJobProgress rate-limits progress reports: only forwarded if the delta
// exceeds 0.5% or 5s have elapsed since the last report.
func (w *Worker) onJobProgress(p float64) {
	w.jobMu.Lock()
	job := w.currentJob
	if job == nil {
		w.jobMu.Unlock()
		return
	}
	if p-w.lastProgress <= 0.5 && time.Since(w.lastProgressAt) <= 5*time.Second {
		w.jobMu.Unlock()
		return
	}
	w.lastProgress = p
	w.lastProgressAt = time.Now()
	w.jobMu.Unlock()

	metrics.ProgressUpdatesTotal.Inc()
	if err := w.api.UpdateJobProgress(context.Background(), job.ID, p); err != nil {
		if errors.Is(err, model.ErrProgressCannotDecrease) {
			log.Printf("worker %s: progress cannot decrease for job %s, ignoring", w.botID, job.ID)
			return
		}
		log.Printf("worker %s: UpdateJobProgress: %v", w.botID, err)
	}
}

// onJobFinished calls FinishJob against the server. The current job
// reference is left in place; the server's next bot snapshot is expected
// to reflect the transition away from it.
func (w *Worker) onJobFinished() {
	w.jobMu.Lock()
	job := w.currentJob
	w.jobMu.Unlock()
	if job == nil {
		return
	}
	metrics.JobsTotal.WithLabelValues("finished").Inc()
	if _, err := w.api.FinishJob(context.Background(), job.ID); err != nil {
		log.Printf("worker %s: FinishJob: %v", w.botID, err)
	}
}
