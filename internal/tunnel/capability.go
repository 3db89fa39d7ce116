package tunnel

import (
	"context"
	"regexp"
	"strconv"
)

// Dynamic -R allocation (ssh -O forward -R 0:...) needs OpenSSH 6.0.
const (
	minOpenSSHMajor = 6
	minOpenSSHMinor = 0
)

var openSSHVersion = regexp.MustCompile(`OpenSSH_(\d+)\.(\d+)`)

// parseOpenSSHVersion extracts major and minor from `ssh -V` output.
func parseOpenSSHVersion(out string) (major, minor int, ok bool) {
	m := openSSHVersion.FindStringSubmatch(out)
	if m == nil {
		return 0, 0, false
	}
	major, _ = strconv.Atoi(m[1])
	minor, _ = strconv.Atoi(m[2])
	return major, minor, true
}

func versionSupportsDynamic(major, minor int) bool {
	return major > minOpenSSHMajor || (major == minOpenSSHMajor && minor >= minOpenSSHMinor)
}

// clientSupportsDynamic probes the local ssh client once per manager.
func (m *Manager) clientSupportsDynamic(ctx context.Context) bool {
	m.probeOnce.Do(func() {
		stdout, stderr, err := m.runner.Run(ctx, "-V")
		// ssh -V prints to stderr
		major, minor, ok := parseOpenSSHVersion(stderr + stdout)
		switch {
		case err != nil:
			m.log.Debug("ssh version probe failed: %v", err)
		case !ok:
			m.log.Debug("ssh client is not OpenSSH: %q", stderr+stdout)
		default:
			m.dynamic = versionSupportsDynamic(major, minor)
			m.log.Debug("ssh client is OpenSSH %d.%d, dynamic forwards: %t", major, minor, m.dynamic)
		}
	})
	return m.dynamic
}

// hasControlMaster reports whether a control master is running for host.
// `ssh -O` requests only work through one. Results are cached per host.
func (m *Manager) hasControlMaster(ctx context.Context, host string) bool {
	m.mu.Lock()
	present, ok := m.masters[host]
	m.mu.Unlock()
	if ok {
		return present
	}

	_, _, err := m.runner.Run(ctx, "-O", "check", host)
	present = err == nil
	if !present {
		m.log.Debug("no ssh control master for %s: %v", host, err)
	}

	m.mu.Lock()
	m.masters[host] = present
	m.mu.Unlock()
	return present
}

// supportsDynamic reports whether RemoteForward can use `ssh -O forward` for host.
func (m *Manager) supportsDynamic(ctx context.Context, host string) bool {
	return m.clientSupportsDynamic(ctx) && m.hasControlMaster(ctx, host)
}
