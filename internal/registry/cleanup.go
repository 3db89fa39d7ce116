package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"go.uber.org/multierr"
)

// Cleanup tears the registry down in order:
//
//  1. wait for every active child,
//  2. terminate then wait for every passive child,
//  3. (owner only) stop every service and remove the table,
//  4. remove the socket directory.
//
// Services stay up until the last active consumer is done. Resources that are
// already gone are logged as warnings. A second call does nothing.
func (r *Registry) Cleanup() error {
	r.mu.Lock()
	if r.cleaned {
		r.mu.Unlock()
		return nil
	}
	r.cleaned = true
	active, passive := r.active, r.passive
	r.active, r.passive = nil, nil
	persisted := r.persisted
	tmpdir := r.tmpdir
	r.mu.Unlock()

	var errs error

	for _, p := range active {
		r.log.Debug("waiting for child pid=%d to stop", p.Pid())
		if err := p.Wait(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("child pid %d: %w", p.Pid(), err))
		}
	}

	for _, p := range passive {
		r.log.Debug("stopping passive child pid=%d", p.Pid())
		if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			r.log.Warn("failed to signal passive child pid=%d: %v", p.Pid(), err)
		}
		if err := p.Wait(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("passive child pid %d: %w", p.Pid(), err))
		}
	}

	if r.IsOwner() {
		for _, svc := range r.Services() {
			if err := svc.Cleanup(r.log); err != nil {
				errs = multierr.Append(errs, err)
			}
		}

		if r.tablePath != "" && persisted {
			if err := os.Remove(r.tablePath); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					r.log.Warn("service table at %s was deleted already", r.tablePath)
				} else {
					errs = multierr.Append(errs, fmt.Errorf("failed to remove service table: %w", err))
				}
			}
		}
	}

	if tmpdir != "" {
		if err := os.RemoveAll(tmpdir); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to remove socket directory: %w", err))
		}
	}

	return errs
}
