// Package transport implements the bootstrap variants (C6): spawning a
// peer process (local fork, ssh, sudo) and driving the EC0/EC1 sentinel
// handshake that hands it its configuration before normal framed traffic
// begins (spec.md §4.6).
package transport

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
)

// DefaultBootstrapTimeout bounds the whole START→READY handshake (spec.md
// §4.6: "bootstrap deadline, default 10 s").
const DefaultBootstrapTimeout = 10 * time.Second

// Endpoint is what a completed bootstrap hands back: a duplex connection to
// the peer's stdio-framed stream, plus the peer name spec.md §4.6's naming
// convention assigns it.
type Endpoint struct {
	Name string
	Conn io.ReadWriteCloser
	cmd  *exec.Cmd
}

// Close terminates the underlying process along with its stdio.
func (e *Endpoint) Close() error {
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	return e.Conn.Close()
}

// Options configures a single bootstrap attempt, covering all three
// variants (local/ssh/sudo) — unused fields are ignored by variants that
// don't need them.
type Options struct {
	// PeerBinary is the path to the mitogen-peer executable re-exec'd as
	// the first stage (spec.md §4.6's "first-stage program").
	PeerBinary string

	// Hostname/Port/Username/IdentityFile configure the ssh variant.
	Hostname     string
	Port         int
	Username     string
	IdentityFile string
	Password     string // only ever held in memory, never logged

	// SudoUser/SudoPassword configure the sudo variant.
	SudoUser     string
	SudoPassword string

	BootstrapTimeout time.Duration
	Preamble         Preamble
}

func (o Options) timeout() time.Duration {
	if o.BootstrapTimeout > 0 {
		return o.BootstrapTimeout
	}
	return DefaultBootstrapTimeout
}

// Preamble is the JSON bootstrap record written after EC0 (spec.md §4.5's
// realization of spec.md §4.6 step 3's "preamble": configuration crosses
// at bootstrap, behavior crosses later via GET_MODULE).
type Preamble struct {
	ParentIDs []uint32 `json:"parent_ids"`
	ContextID uint32   `json:"context_id"`
	Debug     bool     `json:"debug"`
	LogLevel  string   `json:"log_level"`
}

// Local starts the peer binary as a direct child process (spec.md §4.6's
// "local" transport — no network hop, fork/exec only).
func Local(ctx context.Context, log definition.Logger, opts Options) (*Endpoint, error) {
	cmd := exec.CommandContext(ctx, opts.PeerBinary)
	cmd.Args[0] = "mitogen:local"
	return run(ctx, log, cmd, fmt.Sprintf("local.%d", uuid.New().ID()), opts, nil)
}

// SSH starts the peer binary on a remote host via the system ssh client
// (spec.md §4.6: ssh bootstrap scans for password/permission-denied
// patterns before EC0).
func SSH(ctx context.Context, log definition.Logger, opts Options) (*Endpoint, error) {
	args := []string{"-o", "BatchMode=" + boolString(opts.Password == "")}
	if opts.IdentityFile != "" {
		args = append(args, "-i", opts.IdentityFile)
	}
	if opts.Port != 0 {
		args = append(args, "-p", fmt.Sprintf("%d", opts.Port))
	}
	target := opts.Hostname
	if opts.Username != "" {
		target = opts.Username + "@" + opts.Hostname
	}
	args = append(args, target, opts.PeerBinary)
	cmd := exec.CommandContext(ctx, "ssh", args...)

	name := fmt.Sprintf("ssh.%s", opts.Hostname)
	if opts.Port != 0 {
		name = fmt.Sprintf("%s:%d", name, opts.Port)
	}
	return run(ctx, log, cmd, name, opts, sshScanner(opts))
}

// Sudo runs the peer binary under a local sudo child process. It does not
// take an already-open Endpoint, so it cannot layer sudo on top of an
// existing ssh connection.
func Sudo(ctx context.Context, log definition.Logger, opts Options) (*Endpoint, error) {
	args := []string{"-k", "-p", sudoPromptMarker}
	if opts.SudoUser != "" {
		args = append(args, "-u", opts.SudoUser)
	}
	args = append(args, opts.PeerBinary)
	cmd := exec.CommandContext(ctx, "sudo", args...)

	name := fmt.Sprintf("sudo.%s", firstNonEmpty(opts.SudoUser, "root"))
	return run(ctx, log, cmd, name, opts, sudoScanner(opts))
}

func boolString(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func firstNonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

// run execs cmd, feeds its stdout through preEC0 (the password/permission
// scanner, or nil for local) until EC0 arrives, writes the preamble, waits
// for EC1, and returns the resulting Endpoint bound to cmd's stdio.
func run(ctx context.Context, log definition.Logger, cmd *exec.Cmd, name string, opts Options, preEC0 scanner) (*Endpoint, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", definition.ErrBootstrapFailed, name, err)
	}

	deadline := time.Now().Add(opts.timeout())
	conn := newPipeConn(stdout, stdin, cmd.Process)

	if err := handshake(log, conn, deadline, opts.Preamble, preEC0); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	return &Endpoint{Name: name, Conn: conn, cmd: cmd}, nil
}

// scanner inspects one line of pre-EC0 output and returns a non-nil error
// to abort the bootstrap (spec.md §4.6: ssh password/"permission denied"
// scanning, sudo password-prompt scanning).
type scanner func(line string, conn io.Writer, state *scanState) error

type scanState struct {
	passwordSent bool
}

func sshScanner(opts Options) scanner {
	return func(line string, conn io.Writer, state *scanState) error {
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "permission denied"):
			if !state.passwordSent {
				return definition.ErrAuth
			}
			return definition.ErrBadPassword
		case strings.Contains(lower, "password"):
			if opts.Password == "" {
				return nil
			}
			if _, err := io.WriteString(conn, opts.Password+"\n"); err != nil {
				return err
			}
			state.passwordSent = true
		}
		return nil
	}
}

const sudoPromptMarker = "[mitogen-sudo-password]"

func sudoScanner(opts Options) scanner {
	return func(line string, conn io.Writer, state *scanState) error {
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "incorrect password"), strings.Contains(lower, "not in sudoers"), strings.Contains(lower, "not in the sudoers"):
			if !state.passwordSent {
				return definition.ErrAuth
			}
			return definition.ErrBadPassword
		case strings.Contains(line, sudoPromptMarker):
			if opts.SudoPassword == "" {
				return nil
			}
			if _, err := io.WriteString(conn, opts.SudoPassword+"\n"); err != nil {
				return err
			}
			state.passwordSent = true
		}
		return nil
	}
}

// handshake drives the bootstrap state machine from spec.md §4.6: scan
// lines until one ends in EC0 (running preEC0 over every earlier line),
// write the preamble, then scan until EC1 or the deadline.
func handshake(log definition.Logger, conn *pipeConn, deadline time.Time, preamble Preamble, preEC0 scanner) error {
	reader := conn.br
	state := &scanState{}

	if err := withDeadline(deadline, func() error {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("%w: waiting for EC0: %v", definition.ErrBootstrapTimeout, err)
			}
			if strings.HasSuffix(line, "EC0\n") {
				return nil
			}
			if preEC0 != nil {
				if serr := preEC0(line, conn.w, state); serr != nil {
					return serr
				}
			}
			if log != nil {
				log.Debugf("transport: %s", strings.TrimRight(line, "\n"))
			}
		}
	}); err != nil {
		return err
	}

	encoded, err := encodePreamble(preamble)
	if err != nil {
		return err
	}
	if _, err := conn.w.Write(encoded); err != nil {
		return fmt.Errorf("%w: writing preamble: %v", definition.ErrBootstrapFailed, err)
	}

	return withDeadline(deadline, func() error {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("%w: waiting for EC1: %v", definition.ErrBootstrapFailed, err)
			}
			if strings.HasSuffix(line, "EC1\n") {
				return nil
			}
		}
	})
}

func withDeadline(deadline time.Time, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Until(deadline)):
		return definition.ErrBootstrapTimeout
	}
}
