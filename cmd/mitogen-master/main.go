// Command mitogen-master is the orchestrating side of the fabric: it reads
// a peer/module-library config (SPEC_FULL.md §5's "Configuration"), spawns
// each peer over its configured transport, serves GET_MODULE out of the
// library, and forwards any remote CallError back to the caller.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/innovationfleet/mitogen/pkg/mitogen/broker"
	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
	"github.com/innovationfleet/mitogen/pkg/mitogen/module"
	"github.com/innovationfleet/mitogen/pkg/mitogen/peerctx"
	"github.com/innovationfleet/mitogen/pkg/mitogen/router"
	"github.com/innovationfleet/mitogen/pkg/mitogen/transport"
	"github.com/innovationfleet/mitogen/pkg/mitogen/wire"
)

var (
	configPath string
	debug      bool

	callPeer string
	callFn   string // "module.class.fn" or "module..fn" for a top-level function
	callArgs string // JSON array
)

func main() {
	root := &cobra.Command{
		Use:   "mitogen-master",
		Short: "Bring up the configured peers and run the module/log fabric",
		RunE:  runMaster,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "mitogen.yaml", "path to the peer/library config file")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.Flags().StringVar(&callPeer, "call-peer", "", "name of the peer to call, after bring-up")
	root.Flags().StringVar(&callFn, "call", "", `"module.class.fn" (class may be empty: "module..fn") to invoke on --call-peer`)
	root.Flags().StringVar(&callArgs, "call-args", "[]", "JSON array of positional arguments for --call")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mitogen-master:", err)
		os.Exit(1)
	}
}

func runMaster(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log := definition.NewDefaultLogger("mitogen-master")
	if debug {
		log.ToggleDebug(true)
	}

	lib := module.Library{}
	if cfg.ModuleDir != "" {
		lib, err = loadLibrary(cfg.ModuleDir)
		if err != nil {
			return fmt.Errorf("loading module library: %w", err)
		}
	}

	brk := broker.New(log, nil)
	r := router.New(brk, log)
	r.ContextID = router.MasterID
	r.IsMaster = true
	go brk.Run()
	defer brk.Shutdown()

	ids := router.NewIDAllocator(r)
	module.NewModuleResponder(log, r, lib)
	peerctx.NewLogForwarder(r, log)

	ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultBootstrapTimeout)
	defer cancel()

	peers := make(map[string]*router.Context, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		peerCtx, err := bringUpPeer(ctx, log, r, ids, cfg.PeerBinary, pc)
		if err != nil {
			return fmt.Errorf("bringing up peer %q: %w", pc.Name, err)
		}
		peers[peerCtx.Name] = peerCtx
		log.Infof("mitogen-master: peer %q ready", peerCtx.Name)
	}

	if callFn != "" {
		return issueCall(peers)
	}
	return nil
}

func issueCall(peers map[string]*router.Context) error {
	peerCtx, ok := peers[callPeer]
	if !ok {
		return fmt.Errorf("--call-peer %q is not a configured peer", callPeer)
	}
	parts := strings.SplitN(callFn, ".", 3)
	if len(parts) != 3 {
		return fmt.Errorf(`--call must be "module.class.fn" (class may be empty), got %q`, callFn)
	}
	var args []interface{}
	if err := json.Unmarshal([]byte(callArgs), &args); err != nil {
		return fmt.Errorf("--call-args: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := peerCtx.Call(ctx, parts[0], parts[1], parts[2], args, nil)
	if err != nil {
		return fmt.Errorf("calling %s on %s: %w", callFn, callPeer, err)
	}
	encoded, _ := json.Marshal(result)
	fmt.Println(string(encoded))
	return nil
}

func bringUpPeer(ctx context.Context, log definition.Logger, r *router.Router, ids *router.IDAllocator, peerBinary string, pc PeerConfig) (*router.Context, error) {
	id := ids.AllocateLocal()
	opts := transport.Options{
		PeerBinary:   firstNonEmptyString(peerBinary, "mitogen-peer"),
		Hostname:     pc.Hostname,
		Port:         pc.Port,
		Username:     pc.Username,
		IdentityFile: pc.IdentityFile,
		SudoUser:     pc.SudoUser,
		Preamble: transport.Preamble{
			ParentIDs: []uint32{uint32(router.MasterID)},
			ContextID: uint32(id),
			Debug:     pc.Debug,
		},
	}

	var endpoint *transport.Endpoint
	var err error
	switch pc.Method {
	case "", "local":
		endpoint, err = transport.Local(ctx, log, opts)
	case "ssh":
		endpoint, err = transport.SSH(ctx, log, opts)
	case "sudo":
		endpoint, err = transport.Sudo(ctx, log, opts)
	default:
		return nil, fmt.Errorf("unknown transport method %q", pc.Method)
	}
	if err != nil {
		return nil, err
	}

	name := pc.Name
	if name == "" {
		name = endpoint.Name
	}

	stream := wire.NewStream(name, endpoint.Conn, log)
	peerCtx := router.NewContext(r, id, name, nil)
	r.Register(peerCtx, stream)

	return peerCtx, nil
}

func firstNonEmptyString(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
