package adapter

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ELM327 initialization commands.
const (
	CmdReset        = "ATZ"
	CmdEchoOff      = "ATE0"
	CmdLinefeedsOn  = "ATL1"
	CmdAutoProtocol = "ATSP0"
)

// InitSequence is sent in order by InitializeOBD. Reset must come first.
var InitSequence = []string{CmdReset, CmdEchoOff, CmdLinefeedsOn, CmdAutoProtocol}

const (
	prompt         = '>'
	maxFrameLength = 4096
)

// Framer reassembles notification fragments into complete adapter responses.
// The ELM327 terminates every response with a '>' prompt.
type Framer struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

func NewFramer(emit func(string)) *Framer {
	return &Framer{emit: emit}
}

// Feed appends p and emits every response completed by it.
func (f *Framer) Feed(p []byte) {
	var out []string

	f.mu.Lock()
	for _, b := range p {
		if b == prompt {
			if s := normalize(f.buf); s != "" {
				out = append(out, s)
			}
			f.buf = f.buf[:0]
			continue
		}
		f.buf = append(f.buf, b)
		if len(f.buf) >= maxFrameLength {
			slog.Warn("Adapter response exceeded frame limit, flushing", "size", len(f.buf))
			if s := normalize(f.buf); s != "" {
				out = append(out, s)
			}
			f.buf = f.buf[:0]
		}
	}
	f.mu.Unlock()

	for _, s := range out {
		f.emit(s)
	}
}

// Pending returns the number of buffered bytes not yet terminated by a prompt.
func (f *Framer) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

func normalize(b []byte) string {
	lines := strings.FieldsFunc(string(b), func(r rune) bool { return r == '\r' || r == '\n' })
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

// FormatCommand validates a raw command for the adapter: printable ASCII
// without embedded line terminators.
func FormatCommand(cmd string) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return "", fmt.Errorf("empty command")
	}
	for _, r := range cmd {
		if r < 0x20 || r > 0x7e {
			return "", fmt.Errorf("command %q contains non-printable characters", cmd)
		}
	}
	return strings.ToUpper(cmd), nil
}
