package engine

import "github.com/spaghettifunk/descache/engine/config"

type ApplicationConfig struct {
	// The application name used in logs.
	Name string
	// ConfigPath is watched for changes when set.
	ConfigPath string
	Config     config.Config
}
