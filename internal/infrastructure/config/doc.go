// Package config handles loading and validating app daemon configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Location (latitude, longitude, elevation, time_zone) is special: it may be
// left unset in the file and supplied by plugin metadata during startup. The
// plugin manager aborts startup if it is still missing after all plugins
// have reported in.
//
// Usage:
//
//	cfg, err := config.Load("configs/appd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Location.TimeZone)
package config
