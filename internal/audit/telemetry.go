package audit

import (
	"context"

	"github.com/nerrad567/factory-guard/internal/infrastructure/influxdb"
)

// PointWriter is the InfluxDB surface the telemetry sink needs.
// *influxdb.Client satisfies it.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any)
}

// Telemetry writes one security_event point per event. Writes are batched
// asynchronously by the InfluxDB client, so Record never fails.
type Telemetry struct {
	w PointWriter
}

// NewTelemetry creates an InfluxDB-backed sink.
func NewTelemetry(w PointWriter) *Telemetry {
	return &Telemetry{w: w}
}

// Record implements Sink.
func (t *Telemetry) Record(_ context.Context, e Event) error {
	t.w.WritePoint(influxdb.MeasurementSecurityEvent,
		map[string]string{
			"event_type": string(e.Type),
			"risk_level": string(e.RiskLevel),
			"company_id": e.CompanyID,
		},
		map[string]any{
			"success": e.Success,
			"count":   1,
		},
	)
	return nil
}
