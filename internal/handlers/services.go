// Package handlers provides the service, child and task handlers that ship
// with ezserve. They are registered on import and can be named in stack
// files.
package handlers

import (
	"bufio"
	"ezserve/internal/orchestrator"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

func init() {
	orchestrator.RegisterService("echo", Echo)
	orchestrator.RegisterService("greeter", Greeter)
	orchestrator.RegisterService("adder", Adder)
	orchestrator.RegisterService("multiplier", Multiplier)
}

// serve accepts connections until l is closed and handles each in its own
// goroutine.
func serve(l net.Listener, sc orchestrator.ServiceContext, handle func(conn net.Conn) error) {
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				sc.Log.Debug("stopped accepting: %v", err)
				return
			}
			sc.Log.Info("accepted connection from %s", remoteName(conn))
			go func() {
				defer conn.Close()
				if err := handle(conn); err != nil {
					sc.Log.Error(err, "connection from %s failed", remoteName(conn))
				}
			}()
		}
	}()
}

func remoteName(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return conn.LocalAddr().Network()
}

type writeCloser interface {
	CloseWrite() error
}

// closeWrite half-closes conn if its type supports it.
func closeWrite(conn net.Conn) error {
	if wc, ok := conn.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return nil
}

// Echo answers "ping" with "pong" and echoes anything else, once the client
// has half-closed its side.
func Echo(l net.Listener, sc orchestrator.ServiceContext) error {
	serve(l, sc, func(conn net.Conn) error {
		msg, err := io.ReadAll(conn)
		if err != nil {
			return err
		}
		reply := msg
		if string(msg) == "ping" {
			reply = []byte("pong")
		}
		_, err = conn.Write(reply)
		return err
	})
	return nil
}

// Greeter writes a greeting naming the service, half-closes and logs
// whatever the client answers.
func Greeter(l net.Listener, sc orchestrator.ServiceContext) error {
	greeting := fmt.Sprintf("hello from %s", sc.Name)
	if len(sc.Args) > 0 {
		greeting = strings.Join(sc.Args, " ")
	}
	serve(l, sc, func(conn net.Conn) error {
		if _, err := io.WriteString(conn, greeting); err != nil {
			return err
		}
		sc.Log.Debug("wrote greeting")
		if err := closeWrite(conn); err != nil {
			return err
		}
		answer, err := io.ReadAll(conn)
		if err != nil {
			return err
		}
		sc.Log.Info("received: %s", answer)
		return nil
	})
	return nil
}

// Adder reads one integer per line until EOF and writes back the sum.
func Adder(l net.Listener, sc orchestrator.ServiceContext) error {
	serve(l, sc, func(conn net.Conn) error {
		return fold(conn, sc, 0, func(acc, n int64) int64 { return acc + n }, "sum")
	})
	return nil
}

// Multiplier reads one integer per line until EOF and writes back the product.
func Multiplier(l net.Listener, sc orchestrator.ServiceContext) error {
	serve(l, sc, func(conn net.Conn) error {
		return fold(conn, sc, 1, func(acc, n int64) int64 { return acc * n }, "product")
	})
	return nil
}

func fold(conn net.Conn, sc orchestrator.ServiceContext, acc int64, op func(acc, n int64) int64, what string) error {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}
		sc.Log.Debug("read input: %q", line)
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return fmt.Errorf("bad input %q: %w", line, err)
		}
		acc = op(acc, n)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(conn, acc); err != nil {
		return err
	}
	sc.Log.Info("wrote %s: %d", what, acc)
	return nil
}
