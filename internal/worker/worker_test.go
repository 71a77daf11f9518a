package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/botqio/hostagent/internal/model"
)

type fakeAPI struct {
	started, finished []string
	progress          []float64
}

func (f *fakeAPI) StartJob(ctx context.Context, jobID string) (*model.Job, error) {
	f.started = append(f.started, jobID)
	return &model.Job{ID: jobID}, nil
}
func (f *fakeAPI) FinishJob(ctx context.Context, jobID string) (*model.Job, error) {
	f.finished = append(f.finished, jobID)
	return &model.Job{ID: jobID}, nil
}
func (f *fakeAPI) UpdateJobProgress(ctx context.Context, jobID string, p float64) error {
	f.progress = append(f.progress, p)
	return nil
}

type fakeDownloader struct{ path string }

func (f *fakeDownloader) Download(ctx context.Context, file *model.File, url string) (string, error) {
	return f.path, nil
}

func barrier(t *testing.T, w *Worker) {
	t.Helper()
	done := make(chan struct{})
	w.Post(&model.WorkerCommand{Kind: model.CommandNop, Completed: done})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nop barrier timed out")
	}
}

func TestRunJobDummyDriverReportsFinish(t *testing.T) {
	dir := t.TempDir()
	gcodePath := dir + "/job.gcode"
	if err := os.WriteFile(gcodePath, []byte("G28\nG1 X1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	api := &fakeAPI{}
	w := New("bot-1", api, &fakeDownloader{path: gcodePath})
	w.SeedDriver(&model.DriverConfig{Kind: model.DriverDummy, CommandDelay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	barrier(t, w)

	done := make(chan struct{})
	w.Post(&model.WorkerCommand{Kind: model.CommandRunJob, Job: &model.Job{ID: "job-1"}, Completed: done})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunJob did not complete")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(api.finished) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(api.finished) != 1 || api.finished[0] != "job-1" {
		t.Fatalf("expected job-1 finished exactly once, got: %v", api.finished)
	}
	if len(api.started) != 1 || api.started[0] != "job-1" {
		t.Fatalf("expected StartJob(job-1), got: %v", api.started)
	}
}

func TestShutdownStopsEventLoop(t *testing.T) {
	api := &fakeAPI{}
	w := New("bot-1", api, &fakeDownloader{})
	ctx := context.Background()
	loopDone := make(chan struct{})
	go func() { w.Run(ctx); close(loopDone) }()

	done := make(chan struct{})
	w.Post(&model.WorkerCommand{Kind: model.CommandShutdown, Completed: done})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown command did not complete")
	}
	select {
	case <-loopDone:
	case <-time.After(time.Second):
		t.Fatal("event loop did not exit after shutdown")
	}
}
