package registry

import (
	"bytes"
	"context"
	"errors"
	"ezserve/internal/service"
	"ezserve/pkg/logging"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// events records the order of cleanup side effects across fakes.
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(format string, args ...interface{}) {
	e.mu.Lock()
	e.list = append(e.list, fmt.Sprintf(format, args...))
	e.mu.Unlock()
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

type fakeProcess struct {
	pid     int
	ev      *events
	waitErr error
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.ev.add("signal %d %v", p.pid, sig)
	return nil
}

func (p *fakeProcess) Wait() error {
	p.ev.add("wait %d", p.pid)
	return p.waitErr
}

type fakeService struct {
	desc service.Descriptor
	ev   *events
}

func (s *fakeService) Name() string                   { return s.desc.Name }
func (s *fakeService) Proto() service.Protocol        { return s.desc.Proto }
func (s *fakeService) PID() int                       { return s.desc.PID }
func (s *fakeService) String() string                 { return s.desc.Name }
func (s *fakeService) Descriptor() service.Descriptor { return s.desc }
func (s *fakeService) Connect() (net.Conn, error)     { return nil, errors.New("not implemented") }

func (s *fakeService) Serve(int, *logging.Logger) (net.Listener, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeService) Cleanup(*logging.Logger) error {
	s.ev.add("cleanup %s", s.desc.Name)
	return nil
}

func (s *fakeService) Tunnel(context.Context, service.Forwarder, string) (service.Service, io.Closer, error) {
	return s, nil, nil
}

func TestNew_FreshOwner(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)
	assert.True(t, r.IsOwner())
	assert.Equal(t, RoleOwner, r.Role())
	assert.Empty(t, r.Names())
}

func TestNew_MissingTableMakesOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	r, err := New(Options{TablePath: path})
	require.NoError(t, err)
	assert.True(t, r.IsOwner())
	assert.Equal(t, path, r.TablePath())
}

func TestTable_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	owner, err := New(Options{TablePath: path})
	require.NoError(t, err)

	descs := []service.Descriptor{
		{Name: "echo", Proto: service.ProtoUnix, PID: 101, Path: "/tmp/ezserve-x/sock-0-echo"},
		{Name: "greeter", Proto: service.ProtoTCP, PID: 102, BindHost: "0.0.0.0", ConnectHost: "box.local", Host: "box.local", Port: 4321},
	}
	err = owner.StartServices(func() error {
		for _, d := range descs {
			svc, err := service.FromDescriptor(d)
			require.NoError(t, err)
			require.NoError(t, owner.Add(svc))
		}
		return nil
	})
	require.NoError(t, err)

	_, err = os.Stat(lockPath(path))
	assert.True(t, os.IsNotExist(err), "lock marker must be removed")

	loaded, err := New(Options{TablePath: path})
	require.NoError(t, err)
	assert.Equal(t, RoleForeign, loaded.Role())
	assert.Equal(t, descs, loaded.Snapshot())

	svc := loaded.MustGet("greeter")
	assert.IsType(t, &service.TCPService{}, svc)
	assert.Equal(t, 4321, svc.(*service.TCPService).Port())
}

func TestStartServices_NonOwnerIsNoop(t *testing.T) {
	r, err := FromSnapshot(nil, RoleSibling, Options{})
	require.NoError(t, err)

	called := false
	require.NoError(t, r.StartServices(func() error { called = true; return nil }))
	assert.False(t, called)
}

func TestStartServices_LockRace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")

	first, err := New(Options{TablePath: path})
	require.NoError(t, err)
	second, err := New(Options{TablePath: path})
	require.NoError(t, err)

	inBuilder := make(chan struct{})
	release := make(chan struct{})
	firstErr := make(chan error, 1)

	go func() {
		firstErr <- first.StartServices(func() error {
			close(inBuilder)
			<-release
			return nil
		})
	}()

	<-inBuilder
	secondCalled := false
	err = second.StartServices(func() error { secondCalled = true; return nil })
	close(release)

	assert.True(t, errors.Is(err, ErrTableExists), "got %v", err)
	assert.False(t, secondCalled)
	require.NoError(t, <-firstErr)

	_, err = os.Stat(path)
	assert.NoError(t, err, "winner must persist the table")
}

func TestStartServices_FinishedTableExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")

	late, err := New(Options{TablePath: path})
	require.NoError(t, err)

	early, err := New(Options{TablePath: path})
	require.NoError(t, err)
	require.NoError(t, early.StartServices(func() error { return nil }))

	err = late.StartServices(func() error { return nil })
	assert.True(t, errors.Is(err, ErrTableExists))
	_, err = os.Stat(lockPath(path))
	assert.True(t, os.IsNotExist(err), "lock marker must be removed on failure too")

	// The loser must not remove the winner's table.
	require.NoError(t, late.Cleanup())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestStartServices_BuilderErrorSkipsTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	r, err := New(Options{TablePath: path})
	require.NoError(t, err)

	boom := errors.New("boom")
	assert.Equal(t, boom, r.StartServices(func() error { return boom }))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(lockPath(path))
	assert.True(t, os.IsNotExist(err))
}

func TestAddGet(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)
	ev := &events{}

	require.NoError(t, r.Add(&fakeService{desc: service.Descriptor{Name: "b"}, ev: ev}))
	require.NoError(t, r.Add(&fakeService{desc: service.Descriptor{Name: "a"}, ev: ev}))
	assert.True(t, errors.Is(r.Add(&fakeService{desc: service.Descriptor{Name: "a"}, ev: ev}), ErrDuplicateService))

	assert.Equal(t, []string{"a", "b"}, r.Names())

	_, err = r.Get("nope")
	assert.True(t, errors.Is(err, ErrUnknownService))
	assert.Panics(t, func() { r.MustGet("nope") })

	_, err = r.Lookup("a", "nope")
	assert.True(t, errors.Is(err, ErrUnknownService))
	svcs, err := r.Lookup("b", "a")
	require.NoError(t, err)
	assert.Equal(t, "b", svcs[0].Name())
}

func TestSocketPath(t *testing.T) {
	r, err := New(Options{SocketDir: t.TempDir()})
	require.NoError(t, err)

	p0, err := r.SocketPath("echo")
	require.NoError(t, err)
	p1, err := r.SocketPath("echo")
	require.NoError(t, err)

	assert.Equal(t, "sock-0-echo", filepath.Base(p0))
	assert.Equal(t, "sock-1-echo", filepath.Base(p1))
	assert.Equal(t, filepath.Dir(p0), filepath.Dir(p1))

	dir := filepath.Dir(p0)
	_, err = os.Stat(dir)
	require.NoError(t, err)

	require.NoError(t, r.Cleanup())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanup_OrderAndIdempotence(t *testing.T) {
	var logBuf bytes.Buffer
	path := filepath.Join(t.TempDir(), "services.yaml")
	r, err := New(Options{TablePath: path, Log: logging.New(&logBuf, logging.LevelDebug)})
	require.NoError(t, err)
	ev := &events{}

	require.NoError(t, r.StartServices(func() error {
		require.NoError(t, r.Add(&fakeService{desc: service.Descriptor{Name: "echo", Proto: service.ProtoUnix}, ev: ev}))
		return nil
	}))

	r.Track(&fakeProcess{pid: 1, ev: ev}, false)
	r.Track(&fakeProcess{pid: 2, ev: ev}, true)
	r.Track(&fakeProcess{pid: 3, ev: ev}, false)

	require.NoError(t, r.Cleanup())
	assert.Equal(t, []string{
		"wait 1",
		"wait 3",
		"signal 2 terminated",
		"wait 2",
		"cleanup echo",
	}, ev.all())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "owner removes the table")

	// Second call: no new signals, waits or errors.
	require.NoError(t, r.Cleanup())
	assert.Len(t, ev.all(), 5)
}

func TestCleanup_TableAlreadyGoneIsWarning(t *testing.T) {
	var logBuf bytes.Buffer
	path := filepath.Join(t.TempDir(), "services.yaml")
	r, err := New(Options{TablePath: path, Log: logging.New(&logBuf, logging.LevelDebug)})
	require.NoError(t, err)
	require.NoError(t, r.StartServices(func() error { return nil }))

	require.NoError(t, os.Remove(path))
	require.NoError(t, r.Cleanup())
	assert.Contains(t, logBuf.String(), "was deleted already")
}

func TestCleanup_ForeignLeavesServices(t *testing.T) {
	ev := &events{}
	r, err := FromSnapshot(nil, RoleForeign, Options{})
	require.NoError(t, err)
	r.Replace(&fakeService{desc: service.Descriptor{Name: "echo"}, ev: ev})

	require.NoError(t, r.Cleanup())
	assert.Empty(t, ev.all())
}

func TestCleanup_AggregatesChildErrors(t *testing.T) {
	ev := &events{}
	r, err := New(Options{})
	require.NoError(t, err)

	r.Track(&fakeProcess{pid: 7, ev: ev, waitErr: errors.New("exit status 1")}, false)
	r.Track(&fakeProcess{pid: 8, ev: ev, waitErr: errors.New("exit status 2")}, false)

	err = r.Cleanup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "child pid 7")
	assert.Contains(t, err.Error(), "child pid 8")
}
