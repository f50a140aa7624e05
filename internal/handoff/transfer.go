package handoff

import (
	"context"
	"time"
)

// Publisher is a fire-and-forget message bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

// Transfer is the instruction telephony consumes to bridge a call to an agent.
type Transfer struct {
	CallID  string    `json:"call_id"`
	AgentID string    `json:"agent_id"`
	At      time.Time `json:"at"`
}

// BrokerTransferer announces transfers on a pub/sub channel. The telephony
// side owns the actual bridge.
type BrokerTransferer struct {
	Broker  Publisher
	Channel string
}

func (t BrokerTransferer) Transfer(ctx context.Context, callID, agentID string) error {
	return t.Broker.Publish(ctx, t.Channel, Transfer{
		CallID:  callID,
		AgentID: agentID,
		At:      time.Now().UTC(),
	})
}
