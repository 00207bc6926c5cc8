// Command mitogen-peer is the tiny first-stage program a transport execs
// (spec.md §4.6/§4.7): it reads its own preamble off fd 0, then runs
// peerctx.Main in the same process against the stdio the bootstrap left it.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
	"github.com/innovationfleet/mitogen/pkg/mitogen/peerctx"
	"github.com/innovationfleet/mitogen/pkg/mitogen/router"
	"github.com/innovationfleet/mitogen/pkg/mitogen/transport"
)

// stdioConn reads through br rather than in directly: br is the same
// bufio.Reader the preamble line was scanned from, and bufio.Reader.
// ReadString pulls ahead of the newline in a single underlying read, so any
// framed bytes the parent wrote immediately after the preamble would
// otherwise be stranded in that buffer.
type stdioConn struct {
	in  *os.File
	out *os.File
	br  *bufio.Reader
}

func (c stdioConn) Read(b []byte) (int, error)  { return c.br.Read(b) }
func (c stdioConn) Write(b []byte) (int, error) { return c.out.Write(b) }
func (c stdioConn) Close() error {
	inErr := c.in.Close()
	outErr := c.out.Close()
	if outErr != nil {
		return outErr
	}
	return inErr
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mitogen-peer:", err)
		os.Exit(1)
	}
}

func run() error {
	fmt.Fprintln(os.Stdout, "EC0")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading preamble: %w", err)
	}
	var preamble transport.Preamble
	if err := json.Unmarshal([]byte(line), &preamble); err != nil {
		return fmt.Errorf("decoding preamble: %w", err)
	}

	fmt.Fprintln(os.Stdout, "EC1")

	log := definition.NewDefaultLogger("mitogen-peer")
	if preamble.Debug {
		log.ToggleDebug(true)
	}

	cfg := peerctx.Config{
		ContextID: router.ID(preamble.ContextID),
		Debug:     preamble.Debug,
		LogLevel:  preamble.LogLevel,
	}
	for _, id := range preamble.ParentIDs {
		cfg.ParentIDs = append(cfg.ParentIDs, router.ID(id))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	conn := stdioConn{in: os.Stdin, out: os.Stdout, br: reader}
	peer, err := peerctx.Main(ctx, log, conn, cfg)
	if err != nil {
		return fmt.Errorf("bringing up peer: %w", err)
	}

	<-peer.Broker.Done()
	return nil
}
