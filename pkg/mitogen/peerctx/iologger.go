package peerctx

import (
	"bufio"
	"io"

	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
	"github.com/innovationfleet/mitogen/pkg/mitogen/router"
)

// IoLogger reads newline-terminated fragments from r (the peer's own
// stdout/stderr, reattached to a pipe per spec.md §4.7 step 5) and forwards
// each completed line as a FORWARD_LOG record on name, at INFO level
// (spec.md §4.9). Partial trailing data is buffered until the next
// newline, or forwarded as a final line when r reaches EOF.
type IoLogger struct {
	name   string
	sender *router.Sender
	log    definition.Logger
	done   chan struct{}
}

// NewIoLogger starts reading r in a background goroutine, forwarding
// through master via FORWARD_LOG.
func NewIoLogger(name string, r io.Reader, master *router.Context, log definition.Logger) *IoLogger {
	l := &IoLogger{
		name:   name,
		sender: router.NewSender(master, router.HandleForwardLog),
		log:    log,
		done:   make(chan struct{}),
	}
	go l.run(r)
	return l
}

func (l *IoLogger) run(r io.Reader) {
	defer close(l.done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if err := l.sender.Put(encodeLogRecord(l.name, "INFO", scanner.Text())); err != nil {
			if l.log != nil {
				l.log.Warnf("peerctx: forwarding stdio line from %s: %v", l.name, err)
			}
			return
		}
	}
}

// Done reports when the underlying reader has reached EOF or errored.
func (l *IoLogger) Done() <-chan struct{} { return l.done }

// encodeLogRecord builds the "(logger-name, level, formatted-message)"
// null-separated payload spec.md §4.9 calls for.
func encodeLogRecord(name, level, message string) []byte {
	return []byte(name + "\x00" + level + "\x00" + message)
}

func decodeLogRecord(payload []byte) (name, level, message string, ok bool) {
	parts := splitNullSep(string(payload), 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func splitNullSep(s string, n int) []string {
	out := make([]string, 0, n)
	start := 0
	for i := 0; i < len(s) && len(out) < n-1; i++ {
		if s[i] == 0 {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
