package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
)

func TestSSHScannerRequestsPasswordOnce(t *testing.T) {
	var out bytes.Buffer
	s := sshScanner(Options{Password: "hunter2"})
	state := &scanState{}

	if err := s("user@host's password: ", &out, state); err != nil {
		t.Fatalf("scan password prompt: %v", err)
	}
	if !state.passwordSent {
		t.Fatal("passwordSent not set after prompt")
	}
	if out.String() != "hunter2\n" {
		t.Fatalf("wrote %q, want password+newline", out.String())
	}
}

func TestSSHScannerPermissionDeniedBeforePasswordIsErrAuth(t *testing.T) {
	s := sshScanner(Options{})
	err := s("Permission denied (publickey).", &bytes.Buffer{}, &scanState{})
	if !errors.Is(err, definition.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestSSHScannerPermissionDeniedAfterPasswordIsErrBadPassword(t *testing.T) {
	s := sshScanner(Options{Password: "hunter2"})
	state := &scanState{passwordSent: true}
	err := s("Permission denied, please try again.", &bytes.Buffer{}, state)
	if !errors.Is(err, definition.ErrBadPassword) {
		t.Fatalf("err = %v, want ErrBadPassword", err)
	}
}

func TestSSHScannerIgnoresUnrelatedLines(t *testing.T) {
	s := sshScanner(Options{})
	if err := s("Welcome to Ubuntu 22.04", &bytes.Buffer{}, &scanState{}); err != nil {
		t.Fatalf("unrelated line: %v", err)
	}
}

func TestSudoScannerSendsOnMarker(t *testing.T) {
	var out bytes.Buffer
	s := sudoScanner(Options{SudoPassword: "letmein"})
	state := &scanState{}

	if err := s(sudoPromptMarker, &out, state); err != nil {
		t.Fatalf("scan marker: %v", err)
	}
	if out.String() != "letmein\n" {
		t.Fatalf("wrote %q, want password+newline", out.String())
	}
}

func TestSudoScannerIncorrectPasswordAfterSendIsBadPassword(t *testing.T) {
	s := sudoScanner(Options{SudoPassword: "letmein"})
	state := &scanState{passwordSent: true}
	err := s("Sorry, try again. Incorrect password.", &bytes.Buffer{}, state)
	if !errors.Is(err, definition.ErrBadPassword) {
		t.Fatalf("err = %v, want ErrBadPassword", err)
	}
}

func TestSudoScannerNotInSudoersIsErrAuth(t *testing.T) {
	s := sudoScanner(Options{})
	err := s("bob is not in the sudoers file.  This incident will be reported.", &bytes.Buffer{}, &scanState{})
	if !errors.Is(err, definition.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestOptionsTimeoutDefault(t *testing.T) {
	var o Options
	if o.timeout() != DefaultBootstrapTimeout {
		t.Fatalf("timeout() = %v, want default", o.timeout())
	}
}

func TestPreamblesRoundTripThroughJSON(t *testing.T) {
	p := Preamble{ParentIDs: []uint32{0}, ContextID: 7, Debug: true, LogLevel: "debug"}
	encoded, err := encodePreamble(p)
	if err != nil {
		t.Fatalf("encodePreamble: %v", err)
	}
	if encoded[len(encoded)-1] != '\n' {
		t.Fatalf("encodePreamble did not terminate with newline: %q", encoded)
	}
	var got Preamble
	if err := json.Unmarshal(encoded, &got); err != nil {
		t.Fatalf("decode preamble: %v", err)
	}
	if !reflect.DeepEqual(got, p) {
		t.Fatalf("preamble round trip = %+v, want %+v", got, p)
	}
}
