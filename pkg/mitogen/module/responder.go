package module

import (
	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
	"github.com/innovationfleet/mitogen/pkg/mitogen/router"
	"github.com/innovationfleet/mitogen/pkg/mitogen/script"
	"github.com/innovationfleet/mitogen/pkg/mitogen/wire"
)

// Source is a single loadable chunk as the master knows it: its path (for
// diagnostics) and its uncompressed text.
type Source struct {
	Path string
	Text string
}

// Library is the master's registry of servable chunks, keyed by fullname
// (spec.md §4.8, "ModuleResponder"). A production master populates this
// from disk; tests populate it directly.
type Library map[string]Source

// ModuleResponder answers GET_MODULE on the master: it looks fullname up
// in lib, computes the dependency closure by compiling the chunk through a
// scratch script.Engine (which, as a side effect of Load, performs the
// AST-based require(...) walk — spec.md §9's Design Note preferring AST
// over bytecode scanning), and replies with the compressed source plus the
// closure.
type ModuleResponder struct {
	log    definition.Logger
	router *router.Router
	lib    Library
	probe  *script.Engine // used only to run findRequires via Load; never Called
	cache  *cache
}

// NewModuleResponder registers the GET_MODULE handler on r.
func NewModuleResponder(log definition.Logger, r *router.Router, lib Library) *ModuleResponder {
	m := &ModuleResponder{log: log, router: r, lib: lib, probe: script.NewEngine(log), cache: newCache()}
	r.AddHandler(m.handle, router.HandleGetModule, true, nil)
	return m
}

func (m *ModuleResponder) handle(msg wire.Message) {
	fullname := decodeRequest(msg.Payload)
	r, err := m.resolve(fullname)
	if err != nil && m.log != nil {
		m.log.Warnf("module: GET_MODULE %s: %v", fullname, err)
	}
	payload, encErr := wire.Encode(replyPayload(r))
	if encErr != nil {
		if m.log != nil {
			m.log.Errorf("module: encode GET_MODULE reply for %s: %v", fullname, encErr)
		}
		return
	}
	reply := wire.Message{DstID: msg.SrcID, Handle: msg.ReplyTo, Payload: payload}
	m.router.Route(reply)
}

// resolve returns the cached entry for fullname, computing it (and caching
// it) on first request — spec.md P8's "served from cache" after the first
// hit.
func (m *ModuleResponder) resolve(fullname string) (*reply, error) {
	if e, ok := m.cache.get(fullname); ok {
		if e.notFound {
			return nil, nil
		}
		return &reply{pkgPresent: e.pkgPresent, path: e.path, source: e.source, related: e.related}, nil
	}

	src, ok := m.lib[fullname]
	if !ok {
		m.cache.put(fullname, &entry{notFound: true})
		return nil, nil
	}

	text := neutralizeMain(fullname, src.Text)
	if _, err := m.probe.Load(fullname, text); err != nil {
		return nil, err
	}
	related, err := closure(m.lib, m.probe, fullname, map[string]bool{})
	if err != nil {
		return nil, err
	}
	compressed, err := compress([]byte(text))
	if err != nil {
		return nil, err
	}
	e := &entry{path: src.Path, source: compressed, related: related}
	m.cache.put(fullname, e)
	return &reply{path: e.path, source: e.source, related: e.related}, nil
}

// closure performs the recursive require(...) expansion spec.md §4.8 calls
// find_related, grounded on the same AST walk script.Engine.Load does.
func closure(lib Library, probe *script.Engine, fullname string, seen map[string]bool) ([]string, error) {
	if seen[fullname] {
		return nil, nil
	}
	seen[fullname] = true
	var out []string
	chunk, ok := probe.Get(fullname)
	if !ok {
		src, ok := lib[fullname]
		if !ok {
			return nil, nil
		}
		var err error
		chunk, err = probe.Load(fullname, src.Text)
		if err != nil {
			return nil, err
		}
	}
	for _, dep := range chunk.Requires {
		if seen[dep] {
			continue
		}
		out = append(out, dep)
		sub, err := closure(lib, probe, dep, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

// neutralizeMain truncates __main__ at the first occurrence of the
// "if __name__" guard marker, so the master's own entry chunk doesn't
// re-run its top-level effects when re-imported in a peer (spec.md §4.8
// point 2, P9). Non-__main__ fullnames pass through unchanged.
func neutralizeMain(fullname, text string) string {
	if fullname != "__main__" {
		return text
	}
	const marker = "if __name__"
	if i := indexOf(text, marker); i >= 0 {
		return text[:i]
	}
	return text
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
