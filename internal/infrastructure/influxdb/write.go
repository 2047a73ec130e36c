package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by Factory Guard.
const (
	MeasurementRiskAssessment = "risk_assessment"
	MeasurementSecurityEvent  = "security_event"
)

// RiskFactors is the per-factor breakdown of one risk assessment.
type RiskFactors struct {
	Base     int
	Time     int
	Device   int
	Location int
	Behavior int
}

// WriteRiskAssessment records one risk evaluation.
//
// Parameters:
//   - companyID: Tenant the request was evaluated for (tag)
//   - level: Security level bucket, e.g. "HIGH" (tag)
//   - score: Total risk score 0-100
//   - factors: Per-factor sub-scores
//   - degraded: True when the conservative default was returned
func (c *Client) WriteRiskAssessment(companyID, level string, score int, factors RiskFactors, degraded bool) {
	c.WritePointWithTime(MeasurementRiskAssessment,
		map[string]string{
			"company_id": companyID,
			"level":      level,
		},
		map[string]any{
			"score":    score,
			"base":     factors.Base,
			"time":     factors.Time,
			"device":   factors.Device,
			"location": factors.Location,
			"behavior": factors.Behavior,
			"degraded": degraded,
		},
		time.Now(),
	)
}

// WritePoint writes a custom point timestamped now.
//
// Example:
//
//	client.WritePoint("security_event",
//	    map[string]string{"event_type": "rate_limit_exceeded"},
//	    map[string]any{"success": false})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
// Points written while disconnected are dropped and counted.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		if c != nil {
			c.dropped.Add(1)
		}
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
