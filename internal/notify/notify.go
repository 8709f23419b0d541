// Package notify broadcasts tag and schema changes over NATS so that other
// processes drop their cached metadata.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Change operations.
const (
	OpTagCreate     = "tag_create"
	OpTagDeactivate = "tag_deactivate"
	OpSchemaSet     = "schema_set"
	OpSchemaDrop    = "schema_drop"
	OpImport        = "import"
	OpTables        = "tables"
)

// Event describes one metadata change.
type Event struct {
	Op     string `json:"op"`
	Path   string `json:"path,omitempty"`
	Origin string `json:"origin"`
	Time   int64  `json:"time"`
}

// Notifier publishes and receives change events on one subject.
type Notifier struct {
	nc      *nats.Conn
	subject string
	origin  string
	logger  *zap.Logger
}

func New(nc *nats.Conn, subject string, logger *zap.Logger) *Notifier {
	return &Notifier{
		nc:      nc,
		subject: subject,
		origin:  uuid.NewString(),
		logger:  logger.Named("notify"),
	}
}

// Origin identifies this notifier in the events it publishes.
func (n *Notifier) Origin() string { return n.origin }

// Publish announces a change to path.
func (n *Notifier) Publish(op, path string) error {
	data, err := json.Marshal(Event{
		Op:     op,
		Path:   path,
		Origin: n.origin,
		Time:   time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("encoding change event: %w", err)
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publishing change event to %s: %w", n.subject, err)
	}
	n.logger.Debug("change published", zap.String("op", op), zap.String("path", path))
	return nil
}

// Subscribe calls fn for every event published by other notifiers until ctx
// is done. The subscription is live when Subscribe has flushed it; ready, if
// not nil, is closed at that point.
func (n *Notifier) Subscribe(ctx context.Context, ready chan<- struct{}, fn func(Event)) error {
	ch := make(chan *nats.Msg, 64)
	sub, err := n.nc.ChanSubscribe(n.subject, ch)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", n.subject, err)
	}
	defer sub.Unsubscribe()
	if err := n.nc.Flush(); err != nil {
		return fmt.Errorf("flushing subscription to %s: %w", n.subject, err)
	}
	if ready != nil {
		close(ready)
	}
	n.logger.Info("watching metadata changes", zap.String("subject", n.subject))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			var ev Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				n.logger.Warn("dropping malformed change event", zap.Error(err))
				continue
			}
			if ev.Origin == n.origin {
				continue
			}
			fn(ev)
		}
	}
}
