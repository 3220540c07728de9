// Package config loads the bridge configuration.
//
// A Loader starts from Default, merges each layer file in order (JSON, or YAML when
// the extension is .yaml or .yml), then applies POSEBRIDGE_* environment overrides.
// Optional .env files are read first with godotenv; variables already present in the
// environment win over the file.
//
//	loader := config.NewLoader()
//	loader.AddLayer("posebridge.yaml")
//	loader.AddEnvFile(".env")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Durations in files may be written as strings ("3s"). Sensor lists replace the
// default list wholesale. POSEBRIDGE_SENSORS accepts "RFA=192.168.193.195,RA=10.0.0.2:81".
package config
