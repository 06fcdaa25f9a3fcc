// Package config handles loading and validating the Gira bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Gira credentials should be set via GRAYLOGIC_GIRA_USERNAME / GRAYLOGIC_GIRA_PASSWORD
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, h := range cfg.Gira.Hosts {
//	    fmt.Println(h.ID, h.URL)
//	}
package config
