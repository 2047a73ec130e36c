package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/nerrad567/factory-guard/internal/infrastructure/mqtt"
)

// Publisher is the MQTT surface the alert sink needs. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// AlertPublisher forwards security events to the broker as JSON alerts on
// factoryguard/security/events/{event_type}.
//
// Only events at or above MinSeverity, plus every failed (denied) event, are
// published. A token bucket caps the alert rate so a credential-stuffing
// burst cannot flood the broker; suppressed alerts are counted.
type AlertPublisher struct {
	pub         Publisher
	qos         byte
	minSeverity Severity
	limiter     *rate.Limiter
	suppressed  atomic.Uint64
}

// NewAlertPublisher creates an MQTT alert sink.
//
// Parameters:
//   - pub: Connected MQTT client
//   - qos: Publish QoS
//   - perSecond, burst: Token bucket for alert throttling
//   - minSeverity: Successful events below this level are not published
func NewAlertPublisher(pub Publisher, qos byte, perSecond float64, burst int, minSeverity Severity) *AlertPublisher {
	if burst <= 0 {
		burst = 1
	}
	return &AlertPublisher{
		pub:         pub,
		qos:         qos,
		minSeverity: minSeverity,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Record implements Sink.
func (a *AlertPublisher) Record(_ context.Context, e Event) error {
	if e.Success && e.RiskLevel.Rank() < a.minSeverity.Rank() {
		return nil
	}
	if !a.limiter.Allow() {
		a.suppressed.Add(1)
		return nil
	}

	e.stamp()
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshalling alert: %w", err)
	}
	if err := a.pub.Publish(mqtt.Topics{}.SecurityEvent(string(e.Type)), payload, a.qos, false); err != nil {
		return fmt.Errorf("publishing alert: %w", err)
	}
	return nil
}

// Suppressed returns the number of alerts dropped by the throttle.
func (a *AlertPublisher) Suppressed() uint64 {
	return a.suppressed.Load()
}
