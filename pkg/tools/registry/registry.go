// Package registry merges the tool catalogs of all ready MCP sessions into
// one routable namespace.
//
// The first server to register a tool name keeps the bare name; later
// servers exposing the same name get "<server-id><sep><tool>". Precedence is
// the server's registration slot, which is fixed the first time a server is
// reserved or registered and survives reconnects, so the mapping does not
// depend on which session happens to become ready first.
//
// Readers work on immutable snapshots swapped atomically on every change.
// A binding returned by Resolve stays valid for the call it was resolved
// for even if the registry changes meanwhile.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/observability"
	"github.com/rhuss/mcpbridge/pkg/tools"
)

// ErrToolNotFound is returned by Resolve for names no server provides.
var ErrToolNotFound = errors.New("tool not found")

// Caller invokes a tool on the server that owns it. call.Name is the
// tool's name on that server.
type Caller interface {
	CallTool(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error)
}

// Entry is one routable tool.
type Entry struct {
	// Name is the exposed, globally unique name.
	Name string

	// Original is the tool's name on its server.
	Original string

	Server      string
	Description string
	InputSchema json.RawMessage

	Caller Caller
}

// Info converts the entry to its API representation.
func (e Entry) Info() api.ToolInfo {
	return api.ToolInfo{
		Name:        e.Name,
		Server:      e.Server,
		Original:    e.Original,
		Description: e.Description,
		InputSchema: e.InputSchema,
	}
}

// Snapshot is an immutable view of the merged catalog.
type Snapshot struct {
	byName  map[string]Entry
	ordered []Entry
}

// Lookup returns the entry for an exposed name.
func (s *Snapshot) Lookup(name string) (Entry, bool) {
	e, ok := s.byName[name]
	return e, ok
}

// Entries returns every entry in precedence order.
func (s *Snapshot) Entries() []Entry {
	return slices.Clone(s.ordered)
}

// Len returns the number of routable tools.
func (s *Snapshot) Len() int { return len(s.ordered) }

type serverTools struct {
	caller Caller
	defs   []tools.Definition
}

// Registry is the merged tool namespace.
type Registry struct {
	separator string

	// mu serializes writers; readers use snap.
	mu      sync.Mutex
	order   []string
	servers map[string]serverTools

	snap atomic.Pointer[Snapshot]
}

// New creates an empty registry. separator joins server id and tool name
// for disambiguated entries.
func New(separator string) *Registry {
	if separator == "" {
		separator = "."
	}
	r := &Registry{
		separator: separator,
		servers:   make(map[string]serverTools),
	}
	r.snap.Store(&Snapshot{byName: map[string]Entry{}})
	return r
}

// Reserve fixes the precedence order for the given servers. Servers already
// holding a slot keep it; new ones are appended in the given order.
func (r *Registry) Reserve(serverIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range serverIDs {
		if !slices.Contains(r.order, id) {
			r.order = append(r.order, id)
		}
	}
}

// Register replaces the catalog of one server and rebuilds the namespace.
func (r *Registry) Register(serverID string, caller Caller, defs []tools.Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !slices.Contains(r.order, serverID) {
		r.order = append(r.order, serverID)
	}
	r.servers[serverID] = serverTools{caller: caller, defs: slices.Clone(defs)}
	r.rebuild()

	slog.Info("registered server tools", "server", serverID, "tools", len(defs))
}

// Remove drops a server's tools. Its precedence slot is kept so that a
// reopened session regains the same names.
func (r *Registry) Remove(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[serverID]; !ok {
		return
	}
	delete(r.servers, serverID)
	r.rebuild()

	slog.Info("removed server tools", "server", serverID)
}

// Forget drops a server and its precedence slot, for servers removed from
// the configuration.
func (r *Registry) Forget(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.servers, serverID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == serverID })
	r.rebuild()
}

// rebuild computes a new snapshot. Callers hold mu.
func (r *Registry) rebuild() {
	next := &Snapshot{byName: make(map[string]Entry)}

	for _, serverID := range r.order {
		st, ok := r.servers[serverID]
		if !ok {
			continue
		}
		for _, d := range st.defs {
			name := d.Name
			if _, taken := next.byName[name]; taken {
				name = serverID + r.separator + d.Name
			}
			if prev, taken := next.byName[name]; taken {
				slog.Warn("dropping tool with unresolvable name collision",
					"tool", d.Name,
					"server", serverID,
					"holder", prev.Server,
				)
				continue
			}
			e := Entry{
				Name:        name,
				Original:    d.Name,
				Server:      serverID,
				Description: d.Description,
				InputSchema: d.InputSchema,
				Caller:      st.caller,
			}
			next.byName[name] = e
			next.ordered = append(next.ordered, e)
		}
	}

	r.snap.Store(next)
	observability.RegistryTools.Set(float64(len(next.ordered)))
}

// Snapshot returns the current immutable catalog.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Resolve binds an exposed tool name to its entry. Unknown names fail with
// a tool_not_found error wrapping ErrToolNotFound.
func (r *Registry) Resolve(name string) (Entry, error) {
	if e, ok := r.snap.Load().Lookup(name); ok {
		return e, nil
	}
	return Entry{}, api.E(api.KindToolNotFound, api.OpToolCall, fmt.Errorf("%w: %q", ErrToolNotFound, name))
}

// Has reports whether name is currently routable.
func (r *Registry) Has(name string) bool {
	_, ok := r.snap.Load().Lookup(name)
	return ok
}

// Tools returns the API view of every routable tool in precedence order.
func (r *Registry) Tools() []api.ToolInfo {
	snap := r.snap.Load()
	out := make([]api.ToolInfo, 0, snap.Len())
	for _, e := range snap.ordered {
		out = append(out, e.Info())
	}
	return out
}

// ServerTools returns how many tools each server currently contributes.
func (r *Registry) ServerTools() map[string]int {
	snap := r.snap.Load()
	counts := make(map[string]int)
	for _, e := range snap.ordered {
		counts[e.Server]++
	}
	return counts
}
