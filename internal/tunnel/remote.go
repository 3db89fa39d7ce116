package tunnel

import (
	"context"
	"ezserve/internal/address"
	"ezserve/internal/service"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func trimOutput(out string) string {
	return strings.TrimSpace(out)
}

// RemoteForward makes targetHost:port (as seen from this host) reachable on
// sshHost and returns the port it listens on there.
func (m *Manager) RemoteForward(ctx context.Context, sshHost, targetHost string, port int) (int, error) {
	if m.supportsDynamic(ctx, sshHost) {
		return m.dynamicRemoteForward(ctx, sshHost, targetHost, port)
	}
	m.log.Debug("dynamic forwarding unavailable for %s, using a dedicated session", sshHost)
	return m.sessionRemoteForward(ctx, sshHost, targetHost, port)
}

func (m *Manager) dynamicRemoteForward(ctx context.Context, sshHost, targetHost string, port int) (int, error) {
	spec := fmt.Sprintf("0:%s:%d", targetHost, port)
	backoff := m.backoff

	for attempt := 1; ; attempt++ {
		out, _, err := m.runner.Run(ctx, "-O", "forward", "-R", spec, sshHost)
		if err != nil {
			m.log.Error(err, "Unable to set up dynamic ssh port forwarding. Please check if ssh -V is at least 6.0.")
			return 0, fmt.Errorf("%w: %v", ErrNoDynamicForward, err)
		}
		rport, err := strconv.Atoi(trimOutput(out))
		if err != nil {
			m.log.Error(err, "Unable to set up dynamic ssh port forwarding. Please check if ssh -V is at least 6.0.")
			return 0, fmt.Errorf("%w: unexpected output %q", ErrNoDynamicForward, trimOutput(out))
		}
		if rport != 0 {
			m.log.Debug("forwarding %s:%d to %s:%d", sshHost, rport, targetHost, port)
			m.track(newCloser(func() error {
				_, _, err := m.runner.Run(context.Background(), "-O", "cancel", "-R", spec, sshHost)
				return err
			}))
			return rport, nil
		}

		// Port 0 is a transient race in the control master.
		if attempt > m.retries {
			return 0, fmt.Errorf("%w: ssh -O forward -R %s %s kept returning port 0", ErrHandshake, spec, sshHost)
		}
		m.log.Debug("dynamic forward returned port 0, retrying (%d/%d)", attempt, m.retries)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		backoff *= 2
	}
}

func (m *Manager) sessionRemoteForward(ctx context.Context, sshHost, targetHost string, port int) (int, error) {
	rport, err := m.remoteFreePort(ctx, sshHost)
	if err != nil {
		return 0, err
	}

	spec := fmt.Sprintf("%d:%s:%d", rport, targetHost, port)
	sess, err := m.runner.Start(ctx, "-R", spec, sshHost, holdCommand)
	if err != nil {
		return 0, err
	}
	if err := m.awaitSentinel(ctx, sess, "-R "+spec+" "+sshHost); err != nil {
		return 0, err
	}

	m.log.Debug("forwarding %s:%d to %s:%d", sshHost, rport, targetHost, port)
	m.track(newCloser(sess.Close))
	return rport, nil
}

// AccessibleServices returns descriptors for the services a process on host
// can use. Unix services only count when host is this machine. With tunnel
// set and a non-local host, each TCP service is replaced by an -R forward
// that the remote side reaches at localhost.
func (m *Manager) AccessibleServices(ctx context.Context, host string, svcs []service.Service, tunnel bool) ([]service.Descriptor, error) {
	local := address.IsLocal(host)

	descs := make([]service.Descriptor, 0, len(svcs))
	for _, svc := range svcs {
		tcp, ok := svc.(*service.TCPService)
		if !ok {
			if local {
				descs = append(descs, svc.Descriptor())
			}
			continue
		}

		if !tunnel || local {
			if !local && address.IsLoopback(tcp.BindHost()) {
				m.log.Warn("%s listens on loopback and is not reachable from %s without a tunnel", tcp, host)
			}
			descs = append(descs, tcp.Descriptor())
			continue
		}

		rport, err := m.RemoteForward(ctx, host, address.ForwardTarget(tcp.BindHost()), tcp.Port())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", tcp, err)
		}
		descs = append(descs, service.Descriptor{
			Name:        tcp.Name(),
			Proto:       service.ProtoTCP,
			PID:         tcp.PID(),
			BindHost:    "localhost",
			ConnectHost: "localhost",
			Port:        rport,
		})
	}
	return descs, nil
}
