package handlers

import (
	"context"
	"errors"
	"ezserve/internal/dispatch"
	"ezserve/internal/orchestrator"
	"ezserve/pkg/logging"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
)

// ErrBadReply is returned when a service answers something unexpected.
var ErrBadReply = errors.New("unexpected reply")

func init() {
	orchestrator.RegisterChild("hello", func(conns []net.Conn, cc orchestrator.ChildContext) error {
		return Hello(conns, cc.Log, fmt.Sprintf("client with pid=%d", os.Getpid()))
	})
	orchestrator.RegisterChild("ping", func(conns []net.Conn, cc orchestrator.ChildContext) error {
		return Ping(conns, cc.Log)
	})
	orchestrator.RegisterChild("sum-product", func(conns []net.Conn, cc orchestrator.ChildContext) error {
		_, _, err := SumProduct(conns, cc.Log, cc.Args)
		return err
	})
	orchestrator.RegisterChild("linger", func(conns []net.Conn, cc orchestrator.ChildContext) error {
		if err := Hello(conns, cc.Log, fmt.Sprintf("passive client with pid=%d", os.Getpid())); err != nil {
			return err
		}
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGTERM)
		cc.Log.Info("sleeping until terminated")
		<-term
		return nil
	})

	dispatch.MustRegisterTask("greet", func(ctx context.Context, tc dispatch.TaskContext) error {
		tc.Log.SetLabel("client on " + tc.Host)
		return Hello(tc.Conns, tc.Log, tc.Log.Label())
	})
	dispatch.MustRegisterTask("ping", func(ctx context.Context, tc dispatch.TaskContext) error {
		return Ping(tc.Conns, tc.Log)
	})
	dispatch.MustRegisterTask("sum-product", func(ctx context.Context, tc dispatch.TaskContext) error {
		_, _, err := SumProduct(tc.Conns, tc.Log, tc.Args)
		return err
	})
}

// Hello reads a greeting from the first connection, logs it and answers
// with one naming label, then half-closes.
func Hello(conns []net.Conn, log *logging.Logger, label string) error {
	if len(conns) < 1 {
		return fmt.Errorf("hello needs one service, got %d", len(conns))
	}
	conn := conns[0]
	greeting, err := io.ReadAll(conn)
	if err != nil {
		return err
	}
	log.Info("%s", greeting)
	if _, err := io.WriteString(conn, "hello from "+label); err != nil {
		return err
	}
	return closeWrite(conn)
}

// Ping sends "ping" on the first connection and expects "pong".
func Ping(conns []net.Conn, log *logging.Logger) error {
	if len(conns) < 1 {
		return fmt.Errorf("ping needs one service, got %d", len(conns))
	}
	conn := conns[0]
	if _, err := io.WriteString(conn, "ping"); err != nil {
		return err
	}
	if err := closeWrite(conn); err != nil {
		return err
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		return err
	}
	if string(reply) != "pong" {
		return fmt.Errorf("%w: %q", ErrBadReply, reply)
	}
	log.Info("got %s", reply)
	return nil
}

// defaultSumProductArgs adds 5, 6 and 7 and multiplies the sum by 10.
var defaultSumProductArgs = []string{"5", "6", "7", "10"}

// SumProduct sends all arguments but the last to the adder (first
// connection), then the sum and the last argument to the multiplier (second
// connection).
func SumProduct(conns []net.Conn, log *logging.Logger, args []string) (sum, product int64, err error) {
	if len(conns) < 2 {
		return 0, 0, fmt.Errorf("sum-product needs an adder and a multiplier, got %d services", len(conns))
	}
	if len(args) == 0 {
		args = defaultSumProductArgs
	}
	if len(args) < 2 {
		return 0, 0, fmt.Errorf("sum-product needs at least two numbers, got %v", args)
	}
	adder, multiplier := conns[0], conns[1]

	sum, err = exchange(adder, args[:len(args)-1])
	if err != nil {
		return 0, 0, fmt.Errorf("adder: %w", err)
	}
	log.Info("sum = %d", sum)

	product, err = exchange(multiplier, []string{strconv.FormatInt(sum, 10), args[len(args)-1]})
	if err != nil {
		return 0, 0, fmt.Errorf("multiplier: %w", err)
	}
	log.Info("prod = %d", product)
	return sum, product, nil
}

// exchange writes one number per line, half-closes and reads the result.
func exchange(conn net.Conn, numbers []string) (int64, error) {
	for _, n := range numbers {
		if _, err := strconv.ParseInt(n, 10, 64); err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		if _, err := fmt.Fprintln(conn, n); err != nil {
			return 0, err
		}
	}
	if err := closeWrite(conn); err != nil {
		return 0, err
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		return 0, err
	}
	result, err := strconv.ParseInt(strings.TrimSpace(string(reply)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadReply, reply)
	}
	return result, nil
}
