// Package dispatch runs tasks on other hosts.
//
// A dispatcher starts `ezserve worker` over ssh and writes length-framed
// msgpack requests to its stdin. Each request carries the services the task
// may use, which of them to connect to, where the task should log and the
// task itself. The worker answers on stdout with plain lines: log output (if
// echoed), then "ez done" or "ez error" followed by the failure and its
// stack. The worker stays up for further requests until it reads an exit
// frame or stdin closes, and acknowledges with "exiting".
package dispatch

import (
	"errors"
	"ezserve/internal/service"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Lines written by the worker.
const (
	MarkerDone    = "ez done"
	MarkerError   = "ez error"
	MarkerExiting = "exiting"
)

// ErrTransport means the worker stream ended without a result marker.
var ErrTransport = errors.New("remote worker transport broken")

// Log destinations for a task.
const (
	LogDiscard = "discard"
	LogEcho    = "echo"
	LogFile    = "file"
)

// LogDestination says where the task's logger writes on the remote host.
type LogDestination struct {
	Kind string `msgpack:"kind"`
	Path string `msgpack:"path,omitempty"`
}

// Task is either a registered task (ID) or a program already present on the
// remote host (File, optionally Dir and Entry).
type Task struct {
	ID    string   `msgpack:"id,omitempty"`
	Dir   string   `msgpack:"dir,omitempty"`
	File  string   `msgpack:"file,omitempty"`
	Entry string   `msgpack:"entry,omitempty"`
	Args  []string `msgpack:"args,omitempty"`
}

// External reports whether the task refers to a program rather than a registered task.
func (t Task) External() bool { return t.File != "" }

func (t Task) String() string {
	if t.External() {
		if t.Entry != "" {
			return t.File + ":" + t.Entry
		}
		return t.File
	}
	return t.ID
}

// Request is the payload of a FrameRequest.
type Request struct {
	ID       string               `msgpack:"id"`
	Services []service.Descriptor `msgpack:"services"`
	Names    []string             `msgpack:"names"`
	Host     string               `msgpack:"host"`
	LogLevel string               `msgpack:"log_level"`
	Log      LogDestination       `msgpack:"log"`
	Task     Task                 `msgpack:"task"`
}

// WriteRequest encodes req and writes it as one frame.
func WriteRequest(w io.Writer, req Request) error {
	data, err := msgpack.Marshal(&req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return WriteFrame(w, Frame{Type: FrameRequest, Data: data})
}

// WriteExit asks the worker to stop.
func WriteExit(w io.Writer) error {
	return WriteFrame(w, Frame{Type: FrameExit})
}

// DecodeRequest decodes a FrameRequest payload.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("failed to decode request: %w", err)
	}
	return req, nil
}
