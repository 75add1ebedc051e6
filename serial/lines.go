package serial

import (
	"strings"
	"time"
	"unicode/utf8"

	goserial "github.com/tarm/serial"
)

// lineReader accumulates bytes from a port and splits them into lines.
//
// tarm/serial reads return zero bytes on timeout rather than blocking, so
// the reader polls with the port's short ReadTimeout and keeps whatever
// partial line is in flight across calls.
type lineReader struct {
	port    *goserial.Port
	pending []byte
	tmp     []byte
}

func newLineReader(port *goserial.Port) *lineReader {
	return &lineReader{
		port: port,
		tmp:  make([]byte, 256),
	}
}

// ReadLine returns the next '\n'-terminated line (without the terminator,
// trimmed of '\r') arriving before deadline. ok is false when the deadline
// passed without a complete line; err is set only on a real I/O failure.
func (lr *lineReader) ReadLine(deadline time.Time) (line string, ok bool, err error) {
	for {
		if i := indexNewline(lr.pending); i >= 0 {
			raw := lr.pending[:i]
			lr.pending = lr.pending[i+1:]
			return strings.TrimRight(string(raw), "\r"), true, nil
		}
		if !time.Now().Before(deadline) {
			return "", false, nil
		}
		n, rerr := lr.port.Read(lr.tmp)
		if n > 0 {
			lr.pending = append(lr.pending, lr.tmp[:n]...)
			continue
		}
		if rerr != nil {
			return "", false, rerr
		}
		// Zero-byte read: port timeout, poll again until the deadline.
	}
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

// validLine reports whether a decoded line is usable UTF-8 text. Garbage
// bytes usually mean the port is open at the wrong baud rate.
func validLine(line string) bool {
	return utf8.ValidString(line)
}
