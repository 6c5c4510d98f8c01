package statebus

import "context"

// Message is one bus event. Role events are keyed by agent id; Key carries
// the partition key and Value the JSON body.
type Message struct {
	Key   []byte
	Value []byte
}

// Consumer is a minimal read-only bus handle; the role-change listener is
// its only consumer in this service.
type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
