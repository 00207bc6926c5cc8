package module

import (
	"fmt"
	"time"

	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
	"github.com/innovationfleet/mitogen/pkg/mitogen/router"
	"github.com/innovationfleet/mitogen/pkg/mitogen/script"
	"github.com/innovationfleet/mitogen/pkg/mitogen/wire"
)

// Importer is the peer-side fetch hook installed by ExternalContext.Main
// (spec.md §4.7 step 3, §4.8 "The peer's import hook"). It resolves a
// fullname to a loaded script.Chunk, fetching the whole dependency closure
// from upstream (the parent Context, which may itself be a
// ModuleForwarder) before returning.
type Importer struct {
	log    definition.Logger
	parent *router.Context
	engine *script.Engine
	cache  *cache

	// FetchTimeout bounds a single GET_MODULE round-trip.
	FetchTimeout time.Duration
}

// NewImporter builds an Importer that fetches from parent and loads chunks
// into engine.
func NewImporter(log definition.Logger, parent *router.Context, engine *script.Engine) *Importer {
	return &Importer{log: log, parent: parent, engine: engine, cache: newCache(), FetchTimeout: 30 * time.Second}
}

// Ensure makes fullname (and everything it requires) loaded in the engine,
// fetching over the wire only for names not already cached. Per spec.md
// P8, a repeated Ensure for an already-resolved fullname never touches the
// network again.
func (im *Importer) Ensure(fullname string) error {
	if im.engine.Has(fullname) {
		return nil
	}
	e, ok := im.cache.get(fullname)
	if !ok {
		fetched, err := im.fetch(fullname)
		if err != nil {
			// A transient failure (timeout, disconnect) is not memoized: the
			// name may resolve on a later attempt.
			if fetched != nil && fetched.notFound {
				im.cache.put(fullname, fetched)
			}
			return err
		}
		e = fetched
		im.cache.put(fullname, e)
	}
	if e.notFound {
		return fmt.Errorf("%w: module %s not found", definition.ErrImport, fullname)
	}
	if !im.engine.Has(fullname) {
		if _, err := im.engine.Load(fullname, string(e.source)); err != nil {
			return err
		}
	}
	for _, dep := range e.related {
		if dep == fullname {
			continue
		}
		if err := im.Ensure(dep); err != nil {
			return err
		}
	}
	return nil
}

func (im *Importer) fetch(fullname string) (*entry, error) {
	deadline := time.Now().Add(im.FetchTimeout)
	decoded, err := im.parent.SendAwait(wire.Message{Handle: uint32(router.HandleGetModule), Payload: encodeRequest(fullname)}, deadline)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", definition.ErrImport, err)
	}
	r, err := parseReply(decoded)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return &entry{notFound: true}, fmt.Errorf("%w: module %s not found", definition.ErrImport, fullname)
	}
	source, err := decompress(r.source)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress %s: %v", definition.ErrImport, fullname, err)
	}
	return &entry{pkgPresent: r.pkgPresent, path: r.path, source: source, related: r.related}, nil
}
