package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"
)

// awaitSentinel waits for the session's first stdout line to be the sentinel.
// On failure the session is closed.
func (m *Manager) awaitSentinel(ctx context.Context, sess Session, what string) error {
	type result struct {
		line string
		err  error
	}
	lines := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(sess.Stdout()).ReadString('\n')
		lines <- result{line, err}
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case res := <-lines:
		if strings.TrimSpace(res.line) == sentinel {
			return nil
		}
		sess.Close()
		if res.err != nil {
			return fmt.Errorf("%w: could not start ssh forwarding %s: %v", ErrHandshake, what, res.err)
		}
		return fmt.Errorf("%w: could not start ssh forwarding %s: unexpected output %q", ErrHandshake, what, strings.TrimSpace(res.line))
	case <-timer.C:
		sess.Close()
		return fmt.Errorf("%w: could not start ssh forwarding %s: no confirmation within %s", ErrHandshake, what, m.timeout)
	case <-ctx.Done():
		sess.Close()
		return fmt.Errorf("%w: could not start ssh forwarding %s: %v", ErrHandshake, what, ctx.Err())
	}
}
