package config

import (
	"time"
)

// EzserveConfig is the top-level configuration structure for ezserve.
type EzserveConfig struct {
	SSH         SSHConfig        `yaml:"ssh"`
	Services    ServicesConfig   `yaml:"services"`
	Logging     LoggingConfig    `yaml:"logging"`
	Interactive bool             `yaml:"interactive,omitempty"` // Spawned processes ignore SIGINT
	SelfUpdate  SelfUpdateConfig `yaml:"selfUpdate"`
}

// SSHConfig controls how the ssh binary is invoked for forwards and remote workers.
type SSHConfig struct {
	Binary           string        `yaml:"binary,omitempty"`           // Path or name of the ssh client (default: "ssh")
	Options          []string      `yaml:"options,omitempty"`          // Extra arguments passed before the host, e.g. ["-o", "BatchMode=yes"]
	RemoteCommand    string        `yaml:"remoteCommand,omitempty"`    // ezserve binary on the remote side (default: "ezserve")
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout,omitempty"` // How long to wait for the "ok" sentinel
	ForwardRetries   int           `yaml:"forwardRetries,omitempty"`   // Retries when a dynamic -R forward reports port 0
}

// ServicesConfig holds defaults applied to every spawned service.
type ServicesConfig struct {
	MaxBindTries int    `yaml:"maxBindTries,omitempty"` // Bind attempts before giving up on address-in-use
	SocketDir    string `yaml:"socketDir,omitempty"`    // Parent directory for per-run socket dirs (default: os.TempDir())
}

// LoggingConfig holds the log level used when --debug is not given.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // debug, info, warn or error
}

// SelfUpdateConfig configures the self-update command.
type SelfUpdateConfig struct {
	Repository string `yaml:"repository,omitempty"` // GitHub slug, e.g. "owner/ezserve"
}
