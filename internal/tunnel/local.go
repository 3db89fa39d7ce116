package tunnel

import (
	"context"
	"ezserve/internal/address"
	"fmt"
	"io"
	"strconv"
)

// LocalForward opens `ssh -L <lport>:<targetHost>:<port> <sshHost>` on a free
// local port and returns that port once the remote side has confirmed the
// session. The forward is also released by Close.
func (m *Manager) LocalForward(ctx context.Context, sshHost, targetHost string, port int) (int, io.Closer, error) {
	lport, err := address.FreePort("localhost")
	if err != nil {
		return 0, nil, err
	}

	spec := fmt.Sprintf("%d:%s:%d", lport, targetHost, port)
	sess, err := m.runner.Start(ctx, "-L", spec, sshHost, holdCommand)
	if err != nil {
		return 0, nil, err
	}
	if err := m.awaitSentinel(ctx, sess, "-L "+spec+" "+sshHost); err != nil {
		return 0, nil, err
	}

	m.log.Debug("forwarding localhost:%d to %s:%d via %s", lport, targetHost, port, sshHost)
	closer := newCloser(sess.Close)
	m.track(closer)
	return lport, closer, nil
}

// remoteFreePort asks the ezserve binary on host for a free port there.
func (m *Manager) remoteFreePort(ctx context.Context, host string) (int, error) {
	out, _, err := m.runner.Run(ctx, host, m.remoteCommand, "free-port")
	if err != nil {
		return 0, fmt.Errorf("failed to get a free port on %s: %w", host, err)
	}
	port, err := strconv.Atoi(trimOutput(out))
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("failed to get a free port on %s: unexpected output %q", host, out)
	}
	return port, nil
}
