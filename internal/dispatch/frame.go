package dispatch

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Frame types sent to a worker.
const (
	FrameRequest byte = 0x01 // msgpack Request
	FrameExit    byte = 0x02 // Stop the worker
)

// MaxFramePayload limits individual frame payloads to 16MB.
const MaxFramePayload = 16 << 20

// Frame is one message on the worker's stdin.
type Frame struct {
	Type byte
	Data []byte
}

// WriteFrame writes a framed message to w.
// Wire format: [type:1][length:4 BE][payload].
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Data) > MaxFramePayload {
		return fmt.Errorf("frame payload of %d bytes exceeds limit of %d", len(f.Data), MaxFramePayload)
	}
	buf := make([]byte, 5+len(f.Data))
	buf[0] = f.Type
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(f.Data)))
	copy(buf[5:], f.Data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads a framed message from r. Types are not checked beyond
// being control bytes, so callers can report frames they do not handle.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	f := Frame{Type: header[0]}
	length := binary.BigEndian.Uint32(header[1:5])

	if f.Type == 0 || f.Type >= 0x20 || length > MaxFramePayload {
		return Frame{}, recoverTextError(header, r)
	}

	if length > 0 {
		f.Data = make([]byte, length)
		if _, err := io.ReadFull(r, f.Data); err != nil {
			return Frame{}, fmt.Errorf("read frame data: %w", err)
		}
	}
	return f, nil
}

// recoverTextError interprets the header bytes plus whatever follows as a
// text message. This happens when a shell or ssh writes an error where
// frames were expected.
func recoverTextError(header []byte, r io.Reader) error {
	extra := make([]byte, 1024)
	ch := make(chan int, 1)
	go func() {
		n, _ := r.Read(extra)
		ch <- n
	}()
	var n int
	select {
	case n = <-ch:
	case <-time.After(2 * time.Second):
	}
	all := append(header, extra[:n]...)

	if looksLikeText(all) {
		msg := strings.TrimRight(string(all), "\r\n \t")
		return fmt.Errorf("%w: peer wrote text instead of a frame:\n  %s", ErrTransport, msg)
	}
	return fmt.Errorf("%w: invalid frame: type=0x%02x length=%d", ErrTransport,
		header[0], binary.BigEndian.Uint32(header[1:5]))
}

// looksLikeText reports whether data appears to be human-readable text.
func looksLikeText(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	printable := 0
	for _, b := range data {
		if b >= 0x20 && b <= 0x7e || b == '\n' || b == '\r' || b == '\t' {
			printable++
		}
	}
	return printable*100/len(data) > 80
}

// lineWriter serializes whole writes from concurrent requests, so a log
// record never interleaves with a marker line.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

func (lw *lineWriter) println(lines ...string) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	for _, line := range lines {
		fmt.Fprintln(lw.w, line)
	}
}
