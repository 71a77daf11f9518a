// Package botsource produces an eventually-consistent stream of
// BotAdded/BotUpdated/BotRemoved events by polling the server on a fixed
// cadence and, when available, listening on a push channel for immediate
// updates.
package botsource

import (
	"context"
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/botqio/hostagent/internal/model"
)

// BotsAPI is the subset of the façade the source polls.
type BotsAPI interface {
	GetBots(ctx context.Context) ([]*model.Bot, error)
}

// Events is the reconciliation sink; manager.Manager implements it.
type Events interface {
	BotAdded(bot *model.Bot)
	BotUpdated(bot *model.Bot)
	BotRemoved(bot *model.Bot)
}

// PushEvent is what a PushChannel delivers: a BotUpdated or
// JobAssignedToBot notification. The source handles both at once: BotAdded
// for a bot it has not seen, BotUpdated when the snapshot differs from the
// cached one, and nothing when it is unchanged.
type PushEvent struct {
	Bot *model.Bot
}

// PushChannel is a swappable transport delivering per-host bot events.
// The WebSocket and Kafka implementations in this package satisfy it.
type PushChannel interface {
	Run(ctx context.Context, out chan<- PushEvent, connState chan<- bool)
}

// Source polls the server and optionally listens on a push channel,
// deduplicating with full structural equality.
type Source struct {
	api   BotsAPI
	ev    Events
	push  PushChannel
	cron  *cron.Cron

	mu             sync.Mutex
	cache          map[string]*model.Bot
	subscribed     bool
	pushReconciled map[string]bool
}

func New(api BotsAPI, ev Events, push PushChannel) *Source {
	return &Source{
		api:            api,
		ev:             ev,
		push:           push,
		cache:          make(map[string]*model.Bot),
		pushReconciled: make(map[string]bool),
	}
}

// Run blocks until ctx is done. Polling is scheduled every minute with
// robfig/cron; the push channel (if any) runs on its own goroutine.
func (s *Source) Run(ctx context.Context) {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every 1m", func() { s.poll(ctx) }); err != nil {
		log.Printf("botsource: failed to schedule polling: %v", err)
		return
	}
	s.cron.Start()
	defer s.cron.Stop()

	s.poll(ctx) // first pass immediately, don't wait a full minute

	if s.push != nil {
		events := make(chan PushEvent, 32)
		connState := make(chan bool, 4)
		go s.push.Run(ctx, events, connState)
		for {
			select {
			case <-ctx.Done():
				return
			case connected := <-connState:
				s.mu.Lock()
				s.subscribed = connected
				if !connected {
					s.pushReconciled = make(map[string]bool)
				}
				s.mu.Unlock()
			case evt := <-events:
				s.handlePush(evt)
			}
		}
	}
	<-ctx.Done()
}

func (s *Source) handlePush(evt PushEvent) {
	if evt.Bot == nil {
		return
	}
	s.mu.Lock()
	prev, known := s.cache[evt.Bot.ID]
	s.cache[evt.Bot.ID] = evt.Bot
	s.pushReconciled[evt.Bot.ID] = true
	s.mu.Unlock()

	if !known {
		s.ev.BotAdded(evt.Bot)
		return
	}
	if !prev.Equal(evt.Bot) {
		s.ev.BotUpdated(evt.Bot)
	}
}

func (s *Source) poll(ctx context.Context) {
	bots, err := s.api.GetBots(ctx)
	if err != nil {
		log.Printf("botsource: GetBots: %v", err)
		return
	}

	s.mu.Lock()
	subscribed := s.subscribed
	reconciled := s.pushReconciled
	s.pushReconciled = make(map[string]bool)
	s.mu.Unlock()

	seen := make(map[string]bool, len(bots))
	for _, bot := range bots {
		seen[bot.ID] = true
		s.mu.Lock()
		prev, known := s.cache[bot.ID]
		s.cache[bot.ID] = bot
		s.mu.Unlock()

		if !known {
			s.ev.BotAdded(bot)
			continue
		}
		if subscribed && reconciled[bot.ID] {
			continue
		}
		if !prev.Equal(bot) {
			s.ev.BotUpdated(bot)
		}
	}

	s.mu.Lock()
	var removed []*model.Bot
	for id, bot := range s.cache {
		if !seen[id] {
			removed = append(removed, bot)
			delete(s.cache, id)
		}
	}
	s.mu.Unlock()
	for _, bot := range removed {
		s.ev.BotRemoved(bot)
	}
}
