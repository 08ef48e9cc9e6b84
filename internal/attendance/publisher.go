package attendance

import (
	"context"
	"encoding/json"
	"expvar"
	"time"

	"qms/attendance-service/internal/config"
	"qms/attendance-service/internal/pubsub"

	"go.uber.org/zap"
)

// UnknownActor names reactions whose sender has no display name.
const UnknownActor = "Usuário desconhecido"

const publishTimeout = 5 * time.Second

var publishFailures = expvar.NewInt("publish_failures_total")

type MessageEcho struct {
	Text   string `json:"text"`
	ChatID string `json:"chatId"`
	Branch string `json:"branch"`
}

type ReactionEcho struct {
	Reaction        string `json:"reaction"`
	OriginalMessage string `json:"originalMessage"`
	ReactedBy       string `json:"reactedBy"`
	ChatID          string `json:"chatId"`
}

type CallEvent struct {
	Name           string `json:"name"`
	Room           string `json:"room"`
	RoomShort      string `json:"roomShort"`
	PostCallAction string `json:"postCallAction"`
	TicketID       string `json:"ticketId"`
}

// Publisher emits display events on branch scoped topics. Publishing is
// best effort: failures are logged once and dropped.
type Publisher struct {
	topo   *config.Topology
	bus    pubsub.Bus
	logger *zap.Logger
}

func NewPublisher(topo *config.Topology, bus pubsub.Bus, logger *zap.Logger) *Publisher {
	return &Publisher{topo: topo, bus: bus, logger: logger}
}

func (p *Publisher) PublishMessage(ctx context.Context, branch string, echo MessageEcho) {
	p.publish(ctx, p.topo.MessagesTopic(branch), echo)
}

func (p *Publisher) PublishReaction(ctx context.Context, branch string, echo ReactionEcho) {
	p.publish(ctx, p.topo.ReactionsTopic(branch), echo)
}

func (p *Publisher) PublishCall(ctx context.Context, branch string, call CallEvent) {
	p.publish(ctx, p.topo.CallsTopic(branch), call)
}

// BuildCall describes the call for ticketID in roomID. When actor and
// branch match the configured VIP pair, the VIP room, short name and post
// call action replace the room's own.
func (p *Publisher) BuildCall(branch, roomID, actor, patient, ticketID string) CallEvent {
	vip := p.topo.VIP
	if vip.Caller != "" && actor == vip.Caller && branch == vip.Branch {
		return CallEvent{
			Name:           patient,
			Room:           vip.Room,
			RoomShort:      vip.RoomShort,
			PostCallAction: vip.PostCall,
			TicketID:       ticketID,
		}
	}
	room, _ := p.topo.Room(roomID)
	return CallEvent{
		Name:           patient,
		Room:           room.Name,
		RoomShort:      room.Short,
		PostCallAction: room.PostCall,
		TicketID:       ticketID,
	}
}

func (p *Publisher) publish(ctx context.Context, topic string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		publishFailures.Add(1)
		p.logger.Error("encode payload", zap.String("topic", topic), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.bus.Publish(ctx, topic, body); err != nil {
		publishFailures.Add(1)
		p.logger.Error("publish failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	p.logger.Debug("published", zap.String("topic", topic))
}
