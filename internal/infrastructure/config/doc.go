// Package config handles loading and validating Factory Guard Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with FACTORYGUARD_* environment variables
//   - Validation of required fields and security invariants
//
// Security Considerations:
//   - Broker and InfluxDB credentials should be set via environment variables
//   - key_rotation.retain_for must exceed max_token_ttl so no live token
//     outlives the key that sealed it
//   - Token lifetimes may not exceed max_token_ttl
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	loc := cfg.Location()
package config
