// Package router implements the address-based message dispatcher (C3), the
// peer handle and typed mailbox (C4), the Select fan-in (C5), and the id
// allocator (C10) described in spec.md §4.3-§4.5 and §4.10.
package router

import "fmt"

// ID is a peer id (spec.md §3, "context_id"). 0 names the master.
type ID uint32

// Handle names a local endpoint on a Router (spec.md §3). Values below 1000
// are reserved; user handles are allocated starting at 1000 and count up.
type Handle uint32

// Reserved handle constants, spec.md §4.3 / §6.
const (
	HandleGetModule     Handle = 100
	HandleCallFunction  Handle = 101
	HandleForwardLog    Handle = 102
	HandleAddRoute      Handle = 103
	HandleAllocateID    Handle = 104
	HandleShutdown      Handle = 105
	firstAllocatedHandle Handle = 1000
)

func (id ID) String() string     { return fmt.Sprintf("%d", uint32(id)) }
func (h Handle) String() string  { return fmt.Sprintf("%d", uint32(h)) }

// MasterID is the well-known id of the root peer.
const MasterID ID = 0
