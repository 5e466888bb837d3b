package arduino

import (
	"bufio"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

const lineBuffer = 256

// Conn is a half-duplex line channel to the focus controller. The
// firmware never acknowledges commands; it just prints free-text
// status lines whenever it feels like it. Send returns whatever
// lines arrived within the wait window, which may be nothing.
type Conn struct {
	rw io.ReadWriter

	lines   chan string
	closeCh chan struct{}

	mx        sync.Mutex // serializes writes
	closeOnce sync.Once

	// sleep can be replaced in tests to avoid real waiting.
	sleep func(time.Duration)
}

// NewConn creates a new Conn using the provided ReadWriter for data.
func NewConn(rw io.ReadWriter) *Conn {
	c := &Conn{
		rw:      rw,
		lines:   make(chan string, lineBuffer),
		closeCh: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	scan := bufio.NewScanner(c.rw)
	for scan.Scan() {
		line := sanitizeLine(scan.Bytes())
		if line == "" {
			continue
		}
		select {
		case c.lines <- line:
		case <-c.closeCh:
			return
		default:
			// nobody draining; drop rather than stall the port
		}
	}
	if err := scan.Err(); err != nil {
		select {
		case <-c.closeCh:
		default:
			log.Println("ERROR: read from port:", err)
		}
	}
}

// sanitizeLine drops undecodable and non-printable bytes. Serial
// noise garbles lines routinely and must never be fatal.
func sanitizeLine(data []byte) string {
	buf := make([]byte, 0, len(data))
	for _, b := range data {
		if b < ' ' || b > '~' {
			continue
		}
		buf = append(buf, b)
	}
	return strings.TrimSpace(string(buf))
}

// Send writes cmd followed by a newline, holds the reply window open
// for wait, then drains every line buffered so far. An empty reply
// is not an error; a lost command is invisible until a later query
// shows no state change.
func (c *Conn) Send(cmd string, wait time.Duration) ([]string, error) {
	select {
	case <-c.closeCh:
		return nil, io.ErrClosedPipe
	default:
	}

	c.mx.Lock()
	_, err := io.WriteString(c.rw, strings.TrimSpace(cmd)+"\n")
	c.mx.Unlock()
	if err != nil {
		return nil, err
	}

	c.wait(wait)
	return c.Drain(), nil
}

func (c *Conn) wait(d time.Duration) {
	if d <= 0 {
		return
	}
	if c.sleep != nil {
		c.sleep(d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.closeCh:
	}
}

// Drain returns every line received so far without waiting.
func (c *Conn) Drain() []string {
	var lines []string
	for {
		select {
		case l := <-c.lines:
			lines = append(lines, l)
		default:
			return lines
		}
	}
}

// Close aborts any in-progress wait and closes the underlying
// ReadWriter, if it implements io.Closer.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
