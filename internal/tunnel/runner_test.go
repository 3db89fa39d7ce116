package tunnel

import (
	"bytes"
	"context"
	"ezserve/pkg/logging"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestExecRunner_StderrIsLoggedBeforeWaitReturns(t *testing.T) {
	var logs syncBuffer
	r := &ExecRunner{Binary: "sh", Log: logging.New(&logs, logging.LevelDebug)}

	sess, err := r.Start(context.Background(), "-c", "echo out; echo first >&2; echo 'forward failed' >&2")
	require.NoError(t, err)
	out, err := io.ReadAll(sess.Stdout())
	require.NoError(t, err)
	require.NoError(t, sess.Wait())
	require.NoError(t, sess.Close())

	assert.Equal(t, "out\n", string(out))
	assert.Contains(t, logs.String(), "first")
	assert.Contains(t, logs.String(), "forward failed")
}

func TestExecRunner_RunReportsStderr(t *testing.T) {
	r := &ExecRunner{Binary: "sh"}
	stdout, _, err := r.Run(context.Background(), "-c", "echo ok")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", stdout)

	_, _, err = r.Run(context.Background(), "-c", "echo 'no route' >&2; exit 255")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route")
}
