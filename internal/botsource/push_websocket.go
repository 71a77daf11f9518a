package botsource

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"golang.org/x/net/websocket"

	"github.com/botqio/hostagent/internal/api"
	"github.com/botqio/hostagent/internal/model"
)

// WebSocketPush subscribes to private-hosts.<host_id> over a WebSocket,
// the default push channel for a single host talking to the coordination
// service.
type WebSocketPush struct {
	URL    string
	HostID string
}

type pushMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type botEventData struct {
	Bot botWire `json:"bot"`
}

// botWire is the push-channel's bot payload shape. It carries the same
// fields as the poll path's full bot record — including the driver config
// and embedded job — reusing internal/api's wire types so both paths decode
// an identical record and neither silently drops a field the other has.
type botWire struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Status       string          `json:"status"`
	Driver       *api.DriverWire `json:"driver"`
	JobAvailable bool            `json:"job_available"`
	CurrentJobID string          `json:"current_job_id"`
	Job          *api.JobWire    `json:"job"`
}

func (w botWire) toModel() *model.Bot {
	return &model.Bot{
		ID:           w.ID,
		Name:         w.Name,
		Status:       model.BotStatus(w.Status),
		Driver:       w.Driver.ToModel(),
		JobAvailable: w.JobAvailable,
		CurrentJobID: w.CurrentJobID,
		CurrentJob:   w.Job.ToModel(),
	}
}

// Run connects and reconnects to the websocket channel forever, reporting
// connected/disconnected transitions on connState and decoded events on out.
func (p *WebSocketPush) Run(ctx context.Context, out chan<- PushEvent, connState chan<- bool) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, err := websocket.Dial(p.URL, "", "http://localhost/")
		if err != nil {
			log.Printf("botsource: websocket dial: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}
		subscribe := map[string]string{"command": "subscribe", "channel": "private-hosts." + p.HostID}
		if err := websocket.JSON.Send(conn, subscribe); err != nil {
			log.Printf("botsource: websocket subscribe: %v", err)
			conn.Close()
			time.Sleep(5 * time.Second)
			continue
		}
		connState <- true
		p.readLoop(ctx, conn, out)
		conn.Close()
		connState <- false
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *WebSocketPush) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- PushEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var msg pushMessage
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			log.Printf("botsource: websocket receive: %v", err)
			return
		}
		switch msg.Event {
		case "BotUpdated", "App\\Events\\BotUpdated", "JobAssignedToBot", "App\\Events\\JobAssignedToBot":
			var data botEventData
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				log.Printf("botsource: decode push event %q: %v", msg.Event, err)
				continue
			}
			out <- PushEvent{Bot: data.Bot.toModel()}
		}
	}
}
