package acl

import (
	"context"
	"encoding/json"
	"log"

	"worldsync/pkg/statebus"
)

// ConsumeRoleEvents drains role change events from a message bus and applies
// them to the cache. Deployments that cannot use database notifications run
// this instead of (or alongside) the Listener.
func ConsumeRoleEvents(ctx context.Context, consumer statebus.Consumer, onChange func(ctx context.Context, agentID string)) {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("acl role events: read: %v", err)
			continue
		}
		var evt struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			log.Printf("acl role events: decode: %v", err)
			continue
		}
		if evt.AgentID == "" {
			// Producers key role events by agent id; fall back to the key
			// when the body omits it.
			evt.AgentID = string(msg.Key)
		}
		if evt.AgentID == "" {
			log.Printf("acl role events: event missing agent_id")
			continue
		}
		onChange(ctx, evt.AgentID)
	}
}
