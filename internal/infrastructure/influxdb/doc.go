// Package influxdb provides InfluxDB connectivity for Factory Guard Core.
//
// It wraps the official influxdb-client-go v2 library and records
// security telemetry as time series tagged with the plant's site_id:
//   - risk_assessment: one point per risk evaluation (score and factor breakdown)
//   - security_event: one point per audited security event
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WritePoint("security_event",
//	    map[string]string{"event_type": "permission_denied"},
//	    map[string]any{"count": 1})
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched according to batch_size and flush_interval; async write errors
// are delivered to the SetOnError callback.
package influxdb
