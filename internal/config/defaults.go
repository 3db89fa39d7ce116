package config

import "time"

const (
	DefaultSSHBinary        = "ssh"
	DefaultRemoteCommand    = "ezserve"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultForwardRetries   = 5
	DefaultMaxBindTries     = 10
	DefaultLogLevel         = "info"
)

// GetDefaultConfig returns the configuration used when no file overrides a setting.
func GetDefaultConfig() EzserveConfig {
	return EzserveConfig{
		SSH: SSHConfig{
			Binary:           DefaultSSHBinary,
			RemoteCommand:    DefaultRemoteCommand,
			HandshakeTimeout: DefaultHandshakeTimeout,
			ForwardRetries:   DefaultForwardRetries,
		},
		Services: ServicesConfig{
			MaxBindTries: DefaultMaxBindTries,
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
	}
}
