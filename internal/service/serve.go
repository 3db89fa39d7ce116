package service

import (
	"errors"
	"ezserve/pkg/logging"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// listenWithRetry calls listen until it succeeds, bumping the address after
// each address-in-use failure. The bump is optimistic: the new candidate is
// not checked before the next attempt.
func listenWithRetry(svc Service, maxTries int, log *logging.Logger, listen func() (net.Listener, error), bump func()) (net.Listener, error) {
	if maxTries < 1 {
		maxTries = 1
	}
	for tries := 1; ; tries++ {
		l, err := listen()
		if err == nil {
			return l, nil
		}
		if !isAddrInUse(err) {
			return nil, fmt.Errorf("%s: %w", svc, err)
		}
		if tries >= maxTries {
			return nil, fmt.Errorf("%s: %w after %d tries: %v", svc, ErrAddrInUse, tries, err)
		}
		log.Warn("%v; %s (%d/%d tries)", err, svc, tries, maxTries)
		bump()
		log.Info("Trying: %s", svc)
	}
}

func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}
