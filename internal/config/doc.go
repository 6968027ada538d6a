// Package config loads the YAML configuration for the bundled commands.
//
// Values support ${VAR} environment expansion, so secrets like the access
// token and database password can stay out of the file.
package config
