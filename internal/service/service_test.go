package service

import (
	"bytes"
	"context"
	"errors"
	"ezserve/internal/address"
	"ezserve/pkg/logging"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testLogger() (*logging.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return logging.New(&buf, logging.LevelDebug), &buf
}

func listenTCP(t *testing.T, port int) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestNew(t *testing.T) {
	svc, err := New("echo", ProtoUnix, Options{Path: "/tmp/x"})
	require.NoError(t, err)
	assert.IsType(t, &UnixService{}, svc)

	svc, err = New("greeter", ProtoTCP, Options{BindHost: "0.0.0.0"})
	require.NoError(t, err)
	assert.IsType(t, &TCPService{}, svc)

	_, err = New("odd", Protocol("udp"), Options{})
	assert.True(t, errors.Is(err, ErrUnknownProtocol))

	_, err = ParseProtocol("sctp")
	assert.True(t, errors.Is(err, ErrUnknownProtocol))
	proto, err := ParseProtocol("")
	require.NoError(t, err)
	assert.Equal(t, ProtoUnix, proto)
}

func TestUnixService_ServeBumpsPath(t *testing.T) {
	log, buf := testLogger()
	dir := t.TempDir()
	path := filepath.Join(dir, "sock-0-echo")

	taken, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer taken.Close()

	svc, err := New("echo", ProtoUnix, Options{Path: path})
	require.NoError(t, err)

	l, err := svc.Serve(3, log)
	require.NoError(t, err)
	defer l.Close()

	us := svc.(*UnixService)
	assert.Equal(t, path+"-1", us.Path())
	assert.Equal(t, os.Getpid(), svc.PID())
	assert.Contains(t, buf.String(), "(1/3 tries)")
	assert.NotContains(t, buf.String(), "Unexpected path")
}

func TestUnixService_ServeExhaustsTries(t *testing.T) {
	log, buf := testLogger()
	dir := t.TempDir()
	path := filepath.Join(dir, "busy")

	for _, p := range []string{path, path + "-1"} {
		l, err := net.Listen("unix", p)
		require.NoError(t, err)
		defer l.Close()
	}

	svc, err := New("busy", ProtoUnix, Options{Path: path})
	require.NoError(t, err)

	_, err = svc.Serve(2, log)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAddrInUse))
	assert.Contains(t, err.Error(), "busy(unix:")
	// Exactly two attempts: one retry logged.
	assert.Equal(t, 1, strings.Count(buf.String(), "tries)"))
	assert.Zero(t, svc.PID())
}

func TestUnixService_ConnectFailureIsAnnotated(t *testing.T) {
	svc, err := New("ghost", ProtoUnix, Options{Path: filepath.Join(t.TempDir(), "nothing")})
	require.NoError(t, err)

	_, err = svc.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost(unix:")
}

func TestTCPService_ServeBumpsPort(t *testing.T) {
	log, buf := testLogger()

	first := listenTCP(t, 0)
	port := first.Addr().(*net.TCPAddr).Port

	svc, err := New("adder", ProtoTCP, Options{BindHost: "127.0.0.1", Port: port})
	require.NoError(t, err)

	l, err := svc.Serve(5, log)
	require.NoError(t, err)
	defer l.Close()

	ts := svc.(*TCPService)
	assert.Greater(t, ts.Port(), port)
	assert.LessOrEqual(t, ts.Port(), port+4)
	assert.Contains(t, buf.String(), "(1/5 tries)")
	assert.Equal(t, "localhost", ts.ConnectHost())
}

func TestTCPService_ServeExhaustsTries(t *testing.T) {
	log, _ := testLogger()

	first := listenTCP(t, 0)
	port := first.Addr().(*net.TCPAddr).Port

	svc, err := New("adder", ProtoTCP, Options{BindHost: "127.0.0.1", Port: port})
	require.NoError(t, err)

	_, err = svc.Serve(1, log)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAddrInUse))
	assert.Equal(t, port, svc.(*TCPService).Port())
}

func TestTCPService_AnyBindAndConnect(t *testing.T) {
	log, _ := testLogger()

	svc, err := New("greeter", ProtoTCP, Options{BindHost: "0.0.0.0"})
	require.NoError(t, err)
	l, err := svc.Serve(1, log)
	require.NoError(t, err)
	defer l.Close()

	ts := svc.(*TCPService)
	assert.NotZero(t, ts.Port())
	assert.Equal(t, address.HostName(), ts.ConnectHost())
	assert.Equal(t, address.HostName(), ts.Host())

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("hi"))
		conn.Close()
	}()

	conn, err := svc.Connect()
	require.NoError(t, err)
	defer conn.Close()
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
}

type fakeForwarder struct {
	calls   int
	sshHost string
	target  string
	port    int
}

func (f *fakeForwarder) LocalForward(_ context.Context, sshHost, targetHost string, port int) (int, io.Closer, error) {
	f.calls++
	f.sshHost, f.target, f.port = sshHost, targetHost, port
	return 40001, nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func TestTunnel_LocalServiceUnchanged(t *testing.T) {
	log, _ := testLogger()
	svc, err := New("hello", ProtoTCP, Options{BindHost: "localhost"})
	require.NoError(t, err)
	l, err := svc.Serve(1, log)
	require.NoError(t, err)
	defer l.Close()

	fwd := &fakeForwarder{}
	got, closer, err := svc.Tunnel(context.Background(), fwd, address.HostName())
	require.NoError(t, err)
	assert.Same(t, svc, got)
	assert.Nil(t, closer)
	assert.Zero(t, fwd.calls)
}

func TestTunnel_UnixUnchanged(t *testing.T) {
	svc, err := New("echo", ProtoUnix, Options{Path: "/tmp/whatever"})
	require.NoError(t, err)

	fwd := &fakeForwarder{}
	got, closer, err := svc.Tunnel(context.Background(), fwd, "here.local")
	require.NoError(t, err)
	assert.Same(t, svc, got)
	assert.Nil(t, closer)
	assert.Zero(t, fwd.calls)
}

func TestTunnel_RemoteServiceForwarded(t *testing.T) {
	svc, err := FromDescriptor(Descriptor{
		Name:        "hello",
		Proto:       ProtoTCP,
		BindHost:    "localhost",
		ConnectHost: "localhost",
		Host:        "far.example.com",
		Port:        7000,
		PID:         42,
	})
	require.NoError(t, err)

	fwd := &fakeForwarder{}
	got, closer, err := svc.Tunnel(context.Background(), fwd, "near.local")
	require.NoError(t, err)
	require.NotNil(t, closer)
	assert.Equal(t, 1, fwd.calls)
	assert.Equal(t, "far.example.com", fwd.sshHost)
	assert.Equal(t, "localhost", fwd.target)
	assert.Equal(t, 7000, fwd.port)

	d := got.Descriptor()
	assert.Equal(t, "localhost", d.ConnectHost)
	assert.Equal(t, 40001, d.Port)
	assert.Equal(t, "hello", d.Name)
}

func TestTunnel_ExplicitBindHostIsTarget(t *testing.T) {
	svc, err := FromDescriptor(Descriptor{
		Name:        "db",
		Proto:       ProtoTCP,
		BindHost:    "db.internal",
		ConnectHost: "db.internal",
		Port:        5432,
	})
	require.NoError(t, err)

	fwd := &fakeForwarder{}
	_, _, err = svc.Tunnel(context.Background(), fwd, "near.local")
	require.NoError(t, err)
	assert.Equal(t, "db.internal", fwd.sshHost)
	assert.Equal(t, "db.internal", fwd.target)
}

func TestDescriptor_YAMLRoundTrip(t *testing.T) {
	originals := []Descriptor{
		{Name: "echo", Proto: ProtoUnix, PID: 10, Path: "/tmp/ezserve-1/sock-0-echo"},
		{Name: "greeter", Proto: ProtoTCP, PID: 11, BindHost: "0.0.0.0", ConnectHost: "box.local", Host: "box.local", Port: 4000},
	}
	for _, d := range originals {
		data, err := yaml.Marshal(d)
		require.NoError(t, err)

		var decoded Descriptor
		require.NoError(t, yaml.Unmarshal(data, &decoded))

		svc, err := FromDescriptor(decoded)
		require.NoError(t, err)
		assert.Equal(t, d, svc.Descriptor())
	}
}

func TestCleanup_StopsProcessAndRemovesSocket(t *testing.T) {
	log, _ := testLogger()

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	WatchExit(cmd.Process.Pid, done)

	path := filepath.Join(t.TempDir(), "sock")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	svc, err := FromDescriptor(Descriptor{Name: "echo", Proto: ProtoUnix, PID: cmd.Process.Pid, Path: path})
	require.NoError(t, err)

	require.NoError(t, svc.Cleanup(log))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("process still running after cleanup")
	}
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanup_AlreadyGoneIsWarning(t *testing.T) {
	log, buf := testLogger()

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	svc, err := FromDescriptor(Descriptor{
		Name:  "echo",
		Proto: ProtoUnix,
		PID:   cmd.Process.Pid,
		Path:  filepath.Join(t.TempDir(), "gone"),
	})
	require.NoError(t, err)

	assert.NoError(t, svc.Cleanup(log))
	assert.Contains(t, buf.String(), "stopped already")
}
