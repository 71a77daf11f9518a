package manager

import (
	"context"
	"testing"

	"github.com/botqio/hostagent/internal/model"
)

type fakeAPI struct {
	gotAJob   []string
	botErrors map[string]string
}

func (f *fakeAPI) GetAJob(ctx context.Context, botID string) error {
	f.gotAJob = append(f.gotAJob, botID)
	return nil
}
func (f *fakeAPI) BotError(ctx context.Context, botID, message string) error {
	if f.botErrors == nil {
		f.botErrors = make(map[string]string)
	}
	f.botErrors[botID] = message
	return nil
}

type recordingWorker struct{ posted []*model.WorkerCommand }

func (r *recordingWorker) Post(cmd *model.WorkerCommand) { r.posted = append(r.posted, cmd) }

func newTestManager(api *fakeAPI) (*Manager, map[string]*recordingWorker) {
	workers := make(map[string]*recordingWorker)
	m := New(context.Background(), api, func(ctx context.Context, bot *model.Bot) WorkerHandle {
		w := &recordingWorker{}
		workers[bot.ID] = w
		return w
	})
	return m, workers
}

func TestBotAddedWorkingStatusReportsErrorNotRunJob(t *testing.T) {
	api := &fakeAPI{}
	m, workers := newTestManager(api)
	bot := &model.Bot{ID: "b1", Status: model.BotWorking, CurrentJob: &model.Job{ID: "j1"}}
	m.BotAdded(bot)

	if msg, ok := api.botErrors["b1"]; !ok || msg == "" {
		t.Fatalf("expected BotError for b1, got: %v", api.botErrors)
	}
	for _, cmd := range workers["b1"].posted {
		if cmd.Kind == model.CommandRunJob {
			t.Fatal("must not send RunJob for a bot that restarted mid-job")
		}
	}
}

func TestBotAddedJobAssignedSendsRunJob(t *testing.T) {
	api := &fakeAPI{}
	m, workers := newTestManager(api)
	job := &model.Job{ID: "j1"}
	bot := &model.Bot{ID: "b1", Status: model.BotJobAssigned, CurrentJobID: "j1", CurrentJob: job}
	m.BotAdded(bot)

	found := false
	for _, cmd := range workers["b1"].posted {
		if cmd.Kind == model.CommandRunJob && cmd.Job == job {
			found = true
		}
	}
	if !found {
		t.Fatal("expected RunJob(j1) to be posted")
	}
}

func TestBotAddedJobAvailableCallsGetAJob(t *testing.T) {
	api := &fakeAPI{}
	m, _ := newTestManager(api)
	bot := &model.Bot{ID: "b1", Status: model.BotIdle, JobAvailable: true}
	m.BotAdded(bot)
	if len(api.gotAJob) != 1 || api.gotAJob[0] != "b1" {
		t.Fatalf("expected GetAJob(b1), got: %v", api.gotAJob)
	}
}

func TestBotUpdatedDriverChangeSendsDriverUpdated(t *testing.T) {
	api := &fakeAPI{}
	m, workers := newTestManager(api)
	bot := &model.Bot{ID: "b1", Status: model.BotIdle, Driver: &model.DriverConfig{Kind: model.DriverSerial, Port: "/dev/ttyACM0"}}
	m.BotAdded(bot)

	updated := &model.Bot{ID: "b1", Status: model.BotIdle, Driver: &model.DriverConfig{Kind: model.DriverSerial, Port: "/dev/ttyACM1"}}
	m.BotUpdated(updated)

	found := false
	for _, cmd := range workers["b1"].posted {
		if cmd.Kind == model.CommandDriverUpdated && cmd.DriverConfig.Port == "/dev/ttyACM1" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected DriverUpdated to be posted on driver change")
	}
}

func TestBotUpdatedBecameIdleTriggersGetAJob(t *testing.T) {
	api := &fakeAPI{}
	m, _ := newTestManager(api)
	bot := &model.Bot{ID: "b1", Status: model.BotWaiting}
	m.BotAdded(bot)
	api.gotAJob = nil

	idle := &model.Bot{ID: "b1", Status: model.BotIdle}
	m.BotUpdated(idle)

	if len(api.gotAJob) != 1 || api.gotAJob[0] != "b1" {
		t.Fatalf("expected GetAJob(b1) when bot transitions to idle, got: %v", api.gotAJob)
	}
}

func TestBotRemovedShutsWorkerDownAndDropsEntries(t *testing.T) {
	api := &fakeAPI{}
	m, workers := newTestManager(api)
	bot := &model.Bot{ID: "b1", Status: model.BotIdle}
	m.BotAdded(bot)

	m.BotRemoved(bot)
	found := false
	for _, cmd := range workers["b1"].posted {
		if cmd.Kind == model.CommandShutdown {
			found = true
		}
	}
	if !found {
		t.Fatal("expected Shutdown to be posted")
	}

	// A second removal of an already-unknown bot must be a no-op, not a panic.
	m.BotRemoved(bot)
}
