package gateway

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Queue message types.
const (
	queueInbound = "inbound"
	queueStatus  = "status"
)

const consumerMaxAttempts = 3

// QueueMessage is one envelope on the inbound queue: either a channel
// message or an adapter account status.
type QueueMessage struct {
	Type      string                          `json:"type"`
	ChannelID string                          `json:"channelId"`
	AccountID string                          `json:"accountId"`
	Message   *protocol.ChannelInboundMessage `json:"message,omitempty"`
	Status    *protocol.ChannelAccountStatus  `json:"status,omitempty"`

	attempts int
}

// consumer drains the in-process inbound queue one message at a time.
// Handler failure retries the message with a short delay, up to the
// attempt cap.
type consumer struct {
	g     *Gateway
	queue chan QueueMessage
}

func newConsumer(g *Gateway) *consumer {
	return &consumer{g: g, queue: make(chan QueueMessage, 1024)}
}

// Enqueue feeds the queue. Full queues drop with a log line rather than
// block the transport.
func (c *consumer) Enqueue(msg QueueMessage) {
	select {
	case c.queue <- msg:
	default:
		c.g.logger.Error("queue.full", "type", msg.Type, "channel", msg.ChannelID)
	}
}

func (c *consumer) start(ctx context.Context) {
	go c.run(ctx)
}

func (c *consumer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.g.closed:
			return
		case msg := <-c.queue:
			if err := c.handle(ctx, msg); err != nil {
				msg.attempts++
				if msg.attempts >= consumerMaxAttempts {
					c.g.logger.Error("queue.dropped", "type", msg.Type, "channel", msg.ChannelID, "error", err)
					continue
				}
				c.g.logger.Warn("queue.retry", "type", msg.Type, "attempt", msg.attempts, "error", err)
				go func(m QueueMessage) {
					select {
					case <-time.After(time.Second):
						c.Enqueue(m)
					case <-c.g.closed:
					}
				}(msg)
			}
		}
	}
}

func (c *consumer) handle(ctx context.Context, msg QueueMessage) error {
	switch msg.Type {
	case queueInbound:
		if msg.Message == nil {
			c.g.logger.Warn("queue.malformed", "type", msg.Type)
			return nil
		}
		if err := c.g.channelReg.Update(ctx, msg.ChannelID+":"+msg.AccountID, func(e *sessions.ChannelEntry) {
			e.Channel = msg.ChannelID
			e.AccountID = msg.AccountID
			e.LastMessageAt = c.g.now().UnixMilli()
		}); err != nil {
			c.g.logger.Error("gateway.channel_registry_failed", "error", err)
		}
		_, err := c.g.pipeline.Handle(ctx, msg.ChannelID, msg.AccountID, *msg.Message)
		return err
	case queueStatus:
		if msg.Status == nil {
			c.g.logger.Warn("queue.malformed", "type", msg.Type)
			return nil
		}
		c.g.logger.Info("channel.account_status",
			"channel", msg.ChannelID, "accountId", msg.AccountID,
			"state", msg.Status.State, "detail", msg.Status.Detail)
		return nil
	default:
		c.g.logger.Warn("queue.malformed", "type", msg.Type)
		return nil
	}
}
