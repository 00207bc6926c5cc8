package router

import "errors"

// errCallFromBroker is returned by CallAsync/Call when invoked with a
// context that is itself running on the broker goroutine, which would
// otherwise deadlock waiting on its own reply (spec.md §4.4).
var errCallFromBroker = errors.New("mitogen: call_async invoked from the broker goroutine")

// errReceiverAlreadyOwned is returned by Select.Add when a receiver already
// belongs to another Select (spec.md §4.5).
var errReceiverAlreadyOwned = errors.New("mitogen: receiver already owned by a select")

// errSelectCycle is returned by Select.Add when adding a Select would create
// a cycle of selects waiting on one another (spec.md §4.5).
var errSelectCycle = errors.New("mitogen: adding select would create a cycle")
