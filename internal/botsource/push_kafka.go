package botsource

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPush is the fleet alternative to WebSocketPush: hosts behind a
// message broker consume a hosts.<host_id> topic with the same event
// shapes instead of each holding a per-host socket open.
type KafkaPush struct {
	Brokers []string
	HostID  string
}

func (p *KafkaPush) Run(ctx context.Context, out chan<- PushEvent, connState chan<- bool) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: p.Brokers,
		Topic:   "hosts." + p.HostID,
		GroupID: "hostagent-" + p.HostID,
	})
	defer reader.Close()

	connState <- true
	defer func() { connState <- false }()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("botsource: kafka read: %v", err)
			time.Sleep(time.Second)
			continue
		}
		var msg pushMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			log.Printf("botsource: decode kafka message: %v", err)
			continue
		}
		switch msg.Event {
		case "BotUpdated", "JobAssignedToBot":
			var data botEventData
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				log.Printf("botsource: decode kafka event %q: %v", msg.Event, err)
				continue
			}
			out <- PushEvent{Bot: data.Bot.toModel()}
		}
	}
}
