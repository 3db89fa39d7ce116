package registry

import "errors"

var (
	// ErrTableExists means another process already created, or is creating,
	// the table at the requested path.
	ErrTableExists = errors.New("service table already exists or is being created")
	// ErrUnknownService is returned when a name is not in the registry.
	ErrUnknownService = errors.New("unknown service")
	// ErrDuplicateService is returned by Add for a name that is already registered.
	ErrDuplicateService = errors.New("service already registered")
)
