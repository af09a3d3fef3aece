package pipeline

import (
	"fmt"
	"sync"
)

// Role is the part an element plays in the graph
type Role int

const (
	RolePlaceholder Role = iota
	RoleSelector
	RoleEncoder
	RoleMuxer
	RoleSink
	RoleRecorder
	RoleCamera
	RoleAudio
	RolePipeline
)

// String returns a human-readable name for the role
func (r Role) String() string {
	switch r {
	case RolePlaceholder:
		return "placeholder"
	case RoleSelector:
		return "selector"
	case RoleEncoder:
		return "encoder"
	case RoleMuxer:
		return "muxer"
	case RoleSink:
		return "sink"
	case RoleRecorder:
		return "recorder"
	case RoleCamera:
		return "camera"
	case RoleAudio:
		return "audio"
	case RolePipeline:
		return "pipeline"
	default:
		return "unknown"
	}
}

// SharedChannel marks an owner that serves every channel
const SharedChannel = -1

// Owner is the logical owner of a graph element
type Owner struct {
	Role    Role
	Channel int
}

// Shared reports whether the owner serves more than one channel
func (o Owner) Shared() bool {
	return o.Channel == SharedChannel
}

// String returns "role/channel"
func (o Owner) String() string {
	if o.Shared() {
		return o.Role.String() + "/shared"
	}
	return fmt.Sprintf("%s/%d", o.Role, o.Channel)
}

// Registry maps element names to their logical owner. It is written from the
// control loop and read from the bus monitor. Names of removed elements are
// kept as retired so late bus messages still resolve to their owner.
type Registry struct {
	mu      sync.RWMutex
	owners  map[string]Owner
	retired map[string]Owner
	order   []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		owners:  make(map[string]Owner),
		retired: make(map[string]Owner),
	}
}

// Register records the owner of an element name
func (r *Registry) Register(name string, owner Owner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, live := r.owners[name]
	_, gone := r.retired[name]
	if !live && !gone {
		r.order = append(r.order, name)
	}
	r.owners[name] = owner
	delete(r.retired, name)
}

// Retire marks element names as removed from the graph
func (r *Registry) Retire(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		if o, ok := r.owners[n]; ok {
			r.retired[n] = o
			delete(r.owners, n)
		}
	}
}

// Lookup returns the owner of an element that is still in the graph
func (r *Registry) Lookup(name string) (Owner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.owners[name]
	return o, ok
}

// Resolve returns the owner of an element name, live or retired
func (r *Registry) Resolve(name string) (owner Owner, known, retired bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if o, ok := r.owners[name]; ok {
		return o, true, false
	}
	if o, ok := r.retired[name]; ok {
		return o, true, true
	}
	return Owner{}, false, false
}

// Names returns the live elements of a channel with one of roles, in
// registration order
func (r *Registry) Names(channel int, roles ...Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, n := range r.order {
		o, ok := r.owners[n]
		if !ok || o.Channel != channel {
			continue
		}
		for _, role := range roles {
			if o.Role == role {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// Len returns the number of live elements
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

// ElementName builds the registered name of an element, for example
// "ch0_encoder" or "shared_audiotee"
func ElementName(channel int, part string) string {
	if channel == SharedChannel {
		return "shared_" + part
	}
	return fmt.Sprintf("ch%d_%s", channel, part)
}
