package mqtt

import "fmt"

// Topic prefixes.
const (
	TopicPrefixSecurity = "factoryguard/security"
	TopicPrefixSystem   = "factoryguard/system"
)

// Topics provides builders for Factory Guard MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.SecurityEvent("permission_denied")
//	// Returns: "factoryguard/security/events/permission_denied"
type Topics struct{}

// SecurityEvent returns the alert topic for one security event type.
func (Topics) SecurityEvent(eventType string) string {
	return fmt.Sprintf("%s/events/%s", TopicPrefixSecurity, eventType)
}

// AllSecurityEvents returns a wildcard matching every security event topic.
func (Topics) AllSecurityEvents() string {
	return TopicPrefixSecurity + "/events/+"
}

// RoleInvalidate is the topic instances use to drop cached role assignments
// after a role change elsewhere.
func (Topics) RoleInvalidate() string {
	return TopicPrefixSecurity + "/roles/invalidate"
}

// KeyRotated is published (without key material) after every key rotation.
func (Topics) KeyRotated() string {
	return TopicPrefixSecurity + "/keys/rotated"
}

// SystemStatus is the retained online/offline status topic.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}
