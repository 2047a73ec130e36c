package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/factory-guard/internal/audit"
	"github.com/nerrad567/factory-guard/internal/auth"
	"github.com/nerrad567/factory-guard/internal/infrastructure/logging"
	"github.com/nerrad567/factory-guard/internal/infrastructure/mqtt"
	"github.com/nerrad567/factory-guard/internal/keys"
)

// roleInvalidation is the payload on the role invalidation topic.
type roleInvalidation struct {
	UserID    string `json:"user_id"`
	CompanyID string `json:"company_id"`
	Origin    string `json:"origin,omitempty"`
}

// keyRotation is the payload on the key rotation topic. It never carries
// key material.
type keyRotation struct {
	PreviousKeyID string `json:"previous_key_id"`
	KeyID         string `json:"key_id"`
	RotatedAt     string `json:"rotated_at"`
	Origin        string `json:"origin"`
}

// roleChanged audits a role change and tells other instances to drop
// their cached assignment.
func (e *Engine) roleChanged(c auth.RoleChange) {
	severity := audit.SeverityMedium
	if c.NewRole >= auth.RoleCompanyAdmin {
		severity = audit.SeverityHigh
	}
	e.audit(context.Background(), audit.Event{
		Type:        audit.EventRoleChanged,
		RiskLevel:   severity,
		Description: fmt.Sprintf("role changed from %s to %s by %s", c.OldRole, c.NewRole, c.ChangedBy),
		UserID:      c.UserID,
		CompanyID:   c.CompanyID,
		Success:     true,
		Timestamp:   c.ChangedAt,
		Extra: map[string]any{
			"change_id":  c.ID,
			"old_role":   c.OldRole.String(),
			"new_role":   c.NewRole.String(),
			"changed_by": c.ChangedBy,
			"reason":     c.Reason,
		},
	})

	e.publish(mqtt.Topics{}.RoleInvalidate(), roleInvalidation{
		UserID:    c.UserID,
		CompanyID: c.CompanyID,
		Origin:    e.instance,
	})
}

// handleRoleInvalidate drops a cached assignment changed by another
// instance.
func (e *Engine) handleRoleInvalidate(_ string, payload []byte) error {
	var msg roleInvalidation
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding role invalidation: %w", err)
	}
	if msg.UserID == "" || msg.CompanyID == "" {
		return errors.New("role invalidation missing user or company")
	}
	if msg.Origin == e.instance {
		return nil
	}
	e.roles.InvalidateRole(msg.UserID, msg.CompanyID)
	e.log.Debug("role cache invalidated", "user_id", msg.UserID, "company_id", msg.CompanyID, "origin", msg.Origin)
	return nil
}

// keyRotated runs after each rotation.
func (e *Engine) keyRotated(prev, next *keys.Key) {
	e.metrics.KeyRotated()
	e.audit(context.Background(), audit.Event{
		Type:        audit.EventKeyRotated,
		RiskLevel:   audit.SeverityLow,
		Description: fmt.Sprintf("key %s superseded by %s", prev.ID, next.ID),
		Success:     true,
		Extra: map[string]any{
			"previous_key_id": prev.ID,
			"key_id":          next.ID,
		},
	})
	e.publish(mqtt.Topics{}.KeyRotated(), keyRotation{
		PreviousKeyID: prev.ID,
		KeyID:         next.ID,
		RotatedAt:     next.GeneratedAt.UTC().Format(time.RFC3339),
		Origin:        e.instance,
	})
}

// publish hands a notice to the notifier without waiting on the broker.
func (e *Engine) publish(topic string, v any) {
	if e.notices == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		e.log.Error("encoding broker message", "topic", topic, "error", err)
		return
	}
	e.notices.enqueue(topic, payload)
}

// notice is one queued broker message.
type notice struct {
	topic   string
	payload []byte
}

// notifier publishes notices in order from one goroutine, so role and key
// changes never wait on broker acknowledgements. A full queue drops the
// notice; other instances then rely on their own cache expiry.
type notifier struct {
	broker Broker
	qos    byte
	log    *logging.Logger
	queue  chan notice

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
	done    chan struct{}
}

func newNotifier(b Broker, qos byte, size int, log *logging.Logger) *notifier {
	n := &notifier{
		broker: b,
		qos:    qos,
		log:    log,
		queue:  make(chan notice, size),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) enqueue(topic string, payload []byte) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.log.Debug("broker notice after close", "topic", topic)
		return
	}
	select {
	case n.queue <- notice{topic: topic, payload: payload}:
	default:
		if d := n.dropped.Add(1); d == 1 || d%100 == 0 {
			n.log.Warn("broker notice queue full, dropping", "topic", topic, "dropped_total", d)
		}
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for msg := range n.queue {
		if err := n.broker.Publish(msg.topic, msg.payload, n.qos, false); err != nil {
			n.log.Warn("publishing to broker failed", "topic", msg.topic, "error", err)
		}
	}
}

// Close stops accepting notices and waits for queued ones until ctx ends.
func (n *notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
