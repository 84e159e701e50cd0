package transport

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/resolver"
)

// ---- In-process registry: member name -> address ----

type addressRegistry struct {
	mu       sync.RWMutex
	records  map[string]string
	watchers map[string]map[*memberResolver]struct{}
}

var globalRegistry = &addressRegistry{
	records:  make(map[string]string),
	watchers: make(map[string]map[*memberResolver]struct{}),
}

// RegisterPeer sets or updates the address of a member and notifies any active resolvers, so an address edit in
// the group metadata reaches connections that are already open.
func RegisterPeer(name, addr string) {
	globalRegistry.mu.Lock()
	globalRegistry.records[name] = addr
	watchers := make([]*memberResolver, 0, len(globalRegistry.watchers[name]))
	for w := range globalRegistry.watchers[name] {
		watchers = append(watchers, w)
	}
	globalRegistry.mu.Unlock()

	// Notify after unlocking to avoid re-entrancy.
	for _, w := range watchers {
		w.pushCurrent()
	}
}

// UnregisterPeer forgets the address of a member.
func UnregisterPeer(name string) {
	globalRegistry.mu.Lock()
	delete(globalRegistry.records, name)
	globalRegistry.mu.Unlock()
}

// LookupPeer returns the registered address of a member.
func LookupPeer(name string) (string, bool) {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	addr, ok := globalRegistry.records[name]
	return addr, ok
}

// ---- gRPC name resolver ("repnode" scheme) ----

const memberScheme = "repnode"

func memberTarget(name string) string {
	return fmt.Sprintf("%s:///%s", memberScheme, name)
}

type memberBuilder struct{}

func (memberBuilder) Scheme() string { return memberScheme }

func (memberBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	// Accept "repnode:///name" or "repnode://group/name".
	name := target.Endpoint()
	if name == "" {
		if p := target.URL.Path; len(p) > 0 {
			if p[0] == '/' {
				p = p[1:]
			}
			name = p
		}
	}
	if name == "" {
		return nil, fmt.Errorf("member resolver: empty target endpoint: %+v", target)
	}

	r := &memberResolver{name: name, cc: cc}
	r.subscribe()
	r.pushCurrent()
	return r, nil
}

type memberResolver struct {
	name string
	cc   resolver.ClientConn
}

func (r *memberResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *memberResolver) Close() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	if set, ok := globalRegistry.watchers[r.name]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(globalRegistry.watchers, r.name)
		}
	}
}

func (r *memberResolver) subscribe() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	set := globalRegistry.watchers[r.name]
	if set == nil {
		set = make(map[*memberResolver]struct{})
		globalRegistry.watchers[r.name] = set
	}
	set[r] = struct{}{}
}

func (r *memberResolver) pushCurrent() {
	addr, ok := LookupPeer(r.name)
	if !ok || addr == "" {
		_ = r.cc.UpdateState(resolver.State{Addresses: nil}) // no address yet; gRPC will retry
		return
	}
	_ = r.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: addr}},
	})
}

func init() {
	resolver.Register(memberBuilder{})
}
