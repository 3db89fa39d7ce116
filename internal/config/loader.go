package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/ezserve"
	projectConfigDir = ".ezserve"
	configFileName   = "config.yaml"
)

// LoadConfig loads the ezserve configuration by layering default, user, and project settings.
func LoadConfig() (EzserveConfig, error) {
	// 1. Start with the default configuration
	config := GetDefaultConfig()

	// 2. User-specific configuration
	userConfigPath, err := getUserConfigPath()
	if err != nil {
		// User config is optional
		fmt.Fprintf(os.Stderr, "Warning: Could not determine user config path: %v\n", err)
	} else if config, err = overlayFile(config, userConfigPath); err != nil {
		return EzserveConfig{}, fmt.Errorf("error loading user config from %s: %w", userConfigPath, err)
	}

	// 3. Project-specific configuration
	projectConfigPath, err := getProjectConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not determine project config path: %v\n", err)
	} else if config, err = overlayFile(config, projectConfigPath); err != nil {
		return EzserveConfig{}, fmt.Errorf("error loading project config from %s: %w", projectConfigPath, err)
	}

	return config, nil
}

// LoadConfigFromPath layers a single explicit file over the defaults. Unlike
// the implicit layers, a missing file is an error.
func LoadConfigFromPath(path string) (EzserveConfig, error) {
	fileConfig, err := loadConfigFromFile(path)
	if err != nil {
		return EzserveConfig{}, fmt.Errorf("error loading config from %s: %w", path, err)
	}
	return mergeConfigs(GetDefaultConfig(), fileConfig), nil
}

func overlayFile(base EzserveConfig, path string) (EzserveConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return base, nil
	}
	overlay, err := loadConfigFromFile(path)
	if err != nil {
		return base, err
	}
	return mergeConfigs(base, overlay), nil
}

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

// loadConfigFromFile loads an EzserveConfig from a YAML file.
func loadConfigFromFile(filePath string) (EzserveConfig, error) {
	var config EzserveConfig
	data, err := os.ReadFile(filePath)
	if err != nil {
		return EzserveConfig{}, err
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return EzserveConfig{}, err
	}
	return config, nil
}

// mergeConfigs merges 'overlay' config into 'base' config. Zero values in the
// overlay leave the base untouched.
func mergeConfigs(base, overlay EzserveConfig) EzserveConfig {
	merged := base

	if overlay.SSH.Binary != "" {
		merged.SSH.Binary = overlay.SSH.Binary
	}
	if overlay.SSH.Options != nil {
		merged.SSH.Options = append([]string(nil), overlay.SSH.Options...)
	}
	if overlay.SSH.RemoteCommand != "" {
		merged.SSH.RemoteCommand = overlay.SSH.RemoteCommand
	}
	if overlay.SSH.HandshakeTimeout != 0 {
		merged.SSH.HandshakeTimeout = overlay.SSH.HandshakeTimeout
	}
	if overlay.SSH.ForwardRetries != 0 {
		merged.SSH.ForwardRetries = overlay.SSH.ForwardRetries
	}

	if overlay.Services.MaxBindTries != 0 {
		merged.Services.MaxBindTries = overlay.Services.MaxBindTries
	}
	if overlay.Services.SocketDir != "" {
		merged.Services.SocketDir = overlay.Services.SocketDir
	}

	if overlay.Logging.Level != "" {
		merged.Logging.Level = overlay.Logging.Level
	}

	// Interactive can only be switched on by a layer
	if overlay.Interactive {
		merged.Interactive = true
	}

	if overlay.SelfUpdate.Repository != "" {
		merged.SelfUpdate.Repository = overlay.SelfUpdate.Repository
	}

	return merged
}

// GetUserConfigDir returns the user configuration directory path
func GetUserConfigDir() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir), nil
}
