package transport

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
)

// pipeConn adapts a child process's separate stdin/stdout pipes into a
// single io.ReadWriteCloser, which is what wire.Stream expects (spec.md
// §4.7 step 2: "a Stream bound to fd 100 (read) / fd 1 (write)" — on the
// parent side this is simply the child's stdout/stdin pair).
//
// Reads always go through br, the same buffered reader the EC0/EC1 line
// scanner uses: bufio.Reader.ReadString pulls arbitrarily far ahead of the
// last sentinel line in a single underlying Read, so any framed bytes the
// child wrote right after EC1 would otherwise be stranded in that buffer
// once the handshake finished and something started reading r directly.
type pipeConn struct {
	r    io.ReadCloser
	w    io.WriteCloser
	br   *bufio.Reader
	proc *os.Process
}

func newPipeConn(r io.ReadCloser, w io.WriteCloser, proc *os.Process) *pipeConn {
	return &pipeConn{r: r, w: w, br: bufio.NewReader(r), proc: proc}
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.br.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeConn) Close() error {
	werr := p.w.Close()
	rerr := p.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func encodePreamble(preamble Preamble) ([]byte, error) {
	body, err := json.Marshal(preamble)
	if err != nil {
		return nil, err
	}
	return append(body, '\n'), nil
}
