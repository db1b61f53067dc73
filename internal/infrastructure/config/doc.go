// Package config handles loading and validating lab fleet controller
// configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with LABFLEET_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (broker passwords, tokens) should be set via
//     environment variables rather than the config file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Fleet.TDMA.NumSlots)
package config
