// Package mqtt provides MQTT connectivity for Factory Guard Core.
//
// The access-control core uses the broker for two things:
//   - Publishing security alerts (denials, suspicious activity, rate-limit
//     rejections) for the dashboard and plant SOC tooling
//   - Cross-instance role cache invalidation: every instance subscribes to
//     factoryguard/security/roles/invalidate and drops the named cache entry
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.RoleInvalidate(), 1,
//	    func(topic string, payload []byte) error {
//	        return handleInvalidation(payload)
//	    })
//
// # Reliability
//
// The client reconnects automatically with exponential backoff and
// restores tracked subscriptions on reconnect. A Last Will message on
// factoryguard/system/status marks the instance offline if it dies.
package mqtt
