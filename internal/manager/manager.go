// Package manager implements the Worker Manager: a singleton supervisor
// that reconciles bot snapshots from the Bot Source into Bot Worker
// lifecycle events and job-fetch requests.
package manager

import (
	"context"
	"log"
	"sync"

	"github.com/botqio/hostagent/internal/model"
)

// API is the subset of the façade the manager calls directly.
type API interface {
	GetAJob(ctx context.Context, botID string) error
	BotError(ctx context.Context, botID, message string) error
}

// WorkerHandle is the subset of worker.Worker the manager needs; it is an
// interface so tests can substitute a recorder.
type WorkerHandle interface {
	Post(cmd *model.WorkerCommand)
}

// Factory builds and starts a worker for a newly seen bot.
type Factory func(ctx context.Context, bot *model.Bot) WorkerHandle

// Manager holds the two parallel maps the spec describes: last-seen
// snapshots and owned worker handles, both keyed by bot id.
type Manager struct {
	api     API
	newWork Factory

	mu      sync.Mutex
	bots    map[string]*model.Bot
	workers map[string]WorkerHandle
	ctx     context.Context
}

func New(ctx context.Context, api API, newWorker Factory) *Manager {
	return &Manager{
		api:     api,
		newWork: newWorker,
		bots:    make(map[string]*model.Bot),
		workers: make(map[string]WorkerHandle),
		ctx:     ctx,
	}
}

// BotAdded spawns a worker for a newly seen bot and applies the initial
// reconciliation rules for its snapshot.
func (m *Manager) BotAdded(bot *model.Bot) {
	m.mu.Lock()
	w := m.newWork(m.ctx, bot)
	m.bots[bot.ID] = bot
	m.workers[bot.ID] = w
	m.mu.Unlock()

	switch {
	case bot.Status == model.BotWorking:
		// The host restarted while a job was in-flight: report the bot's
		// state rather than pretend we can resume whatever it was doing.
		if err := m.api.BotError(context.Background(), bot.ID, "Bot startup in working mode."); err != nil {
			log.Printf("manager: BotError(%s): %v", bot.ID, err)
		}
	case bot.CurrentJobID == "" && bot.JobAvailable:
		if err := m.api.GetAJob(context.Background(), bot.ID); err != nil {
			log.Printf("manager: GetAJob(%s): %v", bot.ID, err)
		}
	case bot.Status == model.BotJobAssigned:
		w.Post(&model.WorkerCommand{Kind: model.CommandRunJob, Job: bot.CurrentJob})
	}
}

// BotRemoved shuts the bot's worker down and drops both map entries.
// Unknown bots are ignored.
func (m *Manager) BotRemoved(bot *model.Bot) {
	m.mu.Lock()
	w, ok := m.workers[bot.ID]
	delete(m.bots, bot.ID)
	delete(m.workers, bot.ID)
	m.mu.Unlock()
	if !ok {
		return
	}
	w.Post(&model.WorkerCommand{Kind: model.CommandShutdown})
}

// BotUpdated diffs the new snapshot against the last-seen one and applies
// the reconciliation rules: driver-change propagation, job-fetch requests,
// and RunJob dispatch on a fresh job_assigned transition.
func (m *Manager) BotUpdated(bot *model.Bot) {
	m.mu.Lock()
	prev, known := m.bots[bot.ID]
	w, hasWorker := m.workers[bot.ID]
	m.bots[bot.ID] = bot
	m.mu.Unlock()
	if !known || !hasWorker {
		return
	}

	if !prev.Driver.Equal(bot.Driver) {
		w.Post(&model.WorkerCommand{Kind: model.CommandDriverUpdated, DriverConfig: bot.Driver})
	}

	if shouldGetAJob(prev, bot) {
		if err := m.api.GetAJob(context.Background(), bot.ID); err != nil {
			log.Printf("manager: GetAJob(%s): %v", bot.ID, err)
		}
	}

	if bot.Status == model.BotJobAssigned && prev.Status != model.BotJobAssigned {
		w.Post(&model.WorkerCommand{Kind: model.CommandRunJob, Job: bot.CurrentJob})
	}
}

func shouldGetAJob(prev, next *model.Bot) bool {
	if next.Status == model.BotOffline {
		return false
	}
	if next.CurrentJobID == "" && next.JobAvailable {
		return true
	}
	if prev.Status != model.BotIdle && next.Status == model.BotIdle {
		return true
	}
	return false
}
