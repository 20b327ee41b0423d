package api

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"quantcore/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are pushed to websocket clients as they happen.
var streamTopics = []events.Event{
	events.EventStrategySignal,
	events.EventOrderSubmitted,
	events.EventOrderFilled,
	events.EventOrderPartiallyFilled,
	events.EventRiskRejection,
	events.EventRiskEscalation,
	events.EventKillSwitchTripped,
	events.EventKillSwitchReset,
	events.EventRunnerDegraded,
	events.EventRunnerFailed,
}

type wsMessage struct {
	Topic   events.Event `json:"topic"`
	Payload any          `json:"payload"`
}

// websocket streams engine events to a client until it disconnects.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("api: ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Fan every topic into one channel so writes stay serialized.
	merged := make(chan wsMessage, 256)
	for _, topic := range streamTopics {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		go func(topic events.Event, stream <-chan any, unsub func()) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-stream:
					if !ok {
						return
					}
					select {
					case merged <- wsMessage{Topic: topic, Payload: payload}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(topic, stream, unsub)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-merged:
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("api: ws write error: %v", err)
				return
			}
		}
	}
}
