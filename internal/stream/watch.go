package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Event is one message received from the engine streams.
type Event struct {
	Subject  string          `json:"subject"`
	Kind     string          `json:"kind"`
	EntityID string          `json:"entity_id"`
	Data     json.RawMessage `json:"data"`
}

// Pattern returns the wildcard subject matching every event of entityID, or
// of every entity when entityID is empty.
func Pattern(prefix, entityID string) []string {
	if prefix == "" {
		prefix = "phasegate"
	}
	ent := "*"
	if entityID != "" {
		ent = Token(entityID)
	}
	return []string{
		fmt.Sprintf("%s.decisions.%s", prefix, ent),
		fmt.Sprintf("%s.executions.%s.*", prefix, ent),
		fmt.Sprintf("%s.escalations.%s.*", prefix, ent),
	}
}

// Watch delivers events matching subjects to fn until ctx is done. fn is
// called from a single goroutine, in arrival order.
func Watch(ctx context.Context, nc *nats.Conn, subjects []string, fn func(Event)) error {
	ch := make(chan *nats.Msg, 256)
	subs := make([]*nats.Subscription, 0, len(subjects))
	defer func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()

	for _, subj := range subjects {
		s, err := nc.ChanSubscribe(subj, ch)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subj, err)
		}
		subs = append(subs, s)
	}
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			fn(Event{
				Subject:  msg.Subject,
				Kind:     msg.Header.Get(HeaderKind),
				EntityID: msg.Header.Get(HeaderEntity),
				Data:     json.RawMessage(msg.Data),
			})
		}
	}
}
