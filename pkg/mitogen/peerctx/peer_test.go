package peerctx

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/innovationfleet/mitogen/pkg/mitogen/broker"
	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
	"github.com/innovationfleet/mitogen/pkg/mitogen/router"
	"github.com/innovationfleet/mitogen/pkg/mitogen/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDecodeLogRecordRoundTrip(t *testing.T) {
	encoded := encodeLogRecord("stdout", "INFO", "hello\x00world")
	name, level, message, ok := decodeLogRecord(encoded)
	if !ok {
		t.Fatal("decodeLogRecord: ok = false")
	}
	if name != "stdout" || level != "INFO" || message != "hello\x00world" {
		t.Fatalf("decodeLogRecord = %q %q %q", name, level, message)
	}
}

func TestDecodeLogRecordRejectsShortPayload(t *testing.T) {
	if _, _, _, ok := decodeLogRecord([]byte("nope")); ok {
		t.Fatal("decodeLogRecord: ok = true for malformed payload")
	}
}

const echoSource = `
function echo(n)
  return n
end
`

// TestPeerDispatchesCallFunction drives a peer up over an in-memory pipe,
// preloads a module directly (bypassing GET_MODULE), and verifies a
// CALL_FUNCTION sent from the "master" side is answered correctly,
// exercising the enqueueCall -> dispatchLoop -> handleCall path end to end.
func TestPeerDispatchesCallFunction(t *testing.T) {
	masterConn, peerConn := net.Pipe()
	defer masterConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := definition.NewDefaultLogger("test")
	peer, err := Main(ctx, log, peerConn, Config{ContextID: router.ID(7), ParentIDs: []router.ID{router.MasterID}})
	if err != nil {
		t.Fatalf("Main: %v", err)
	}
	defer peer.Broker.Shutdown()

	if _, err := peer.Engine.Load("echo", echoSource); err != nil {
		t.Fatalf("Load: %v", err)
	}

	masterBroker := broker.New(log, nil)
	defer masterBroker.Shutdown()
	masterRouter := router.New(masterBroker, log)
	masterRouter.ContextID = router.MasterID
	masterRouter.IsMaster = true

	replies := make(chan wire.Message, 1)
	const replyHandle = router.Handle(2000)
	masterRouter.AddHandler(func(msg wire.Message) { replies <- msg }, replyHandle, true, nil)

	peerStream := wire.NewStream("peer", masterConn, log)
	peerCtx := router.NewContext(masterRouter, router.ID(7), "peer", nil)
	masterRouter.Register(peerCtx, peerStream)
	go masterBroker.Run()

	payload, err := wire.Encode([]interface{}{"echo", nil, "echo", []interface{}{float64(99)}, map[string]interface{}{}})
	if err != nil {
		t.Fatalf("Encode request: %v", err)
	}
	masterRouter.Route(wire.Message{DstID: 7, Handle: uint32(router.HandleCallFunction), ReplyTo: uint32(replyHandle), Payload: payload})

	select {
	case msg := <-replies:
		got, err := wire.Decode(msg.Payload)
		if err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if got != float64(99) {
			t.Fatalf("echo(99) = %v, want 99", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for CALL_FUNCTION reply")
	}
}
