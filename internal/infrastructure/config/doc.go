// Package config handles loading and validating CellScanner configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// One file configures both processes. The client reads the worker and
// client sections and the sink sections; the worker reads the worker and
// device sections and starts from defaults when no file is present.
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via
//     environment variables
//
// Usage:
//
//	cfg, err := config.Load(config.Path())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	list, err := cfg.Device.FrequencyList()
package config
