package clone

import "sync"

// RunContext accumulates the ID remap of one run. It is created empty when
// the run starts and is safe for concurrent unit copies.
type RunContext struct {
	mu        sync.Mutex
	protocols map[ID]ID
	texts     map[ID]ID
}

// Snapshot is a point-in-time copy of a RunContext.
type Snapshot struct {
	ProtocolIDRemap map[ID]ID `json:"protocolIdRemap"`
	TextIDRemap     map[ID]ID `json:"textIdRemap"`
}

// NewRunContext returns an empty context.
func NewRunContext() *RunContext {
	return &RunContext{
		protocols: make(map[ID]ID),
		texts:     make(map[ID]ID),
	}
}

// Put records that oldID was copied to newID.
func (rc *RunContext) Put(kind UnitKind, oldID, newID ID) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.table(kind)[oldID] = newID
}

// Merge records every entry of m.
func (rc *RunContext) Merge(kind UnitKind, m map[ID]ID) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	t := rc.table(kind)
	for k, v := range m {
		t[k] = v
	}
}

// Remap returns a copy of the remap for kind.
func (rc *RunContext) Remap(kind UnitKind) map[ID]ID {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return copyRemap(rc.table(kind))
}

// Len returns the number of entries recorded for kind.
func (rc *RunContext) Len(kind UnitKind) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.table(kind))
}

// Snapshot copies both remaps.
func (rc *RunContext) Snapshot() Snapshot {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return Snapshot{
		ProtocolIDRemap: copyRemap(rc.protocols),
		TextIDRemap:     copyRemap(rc.texts),
	}
}

func (rc *RunContext) table(kind UnitKind) map[ID]ID {
	if kind == UnitText {
		return rc.texts
	}
	return rc.protocols
}

func copyRemap(m map[ID]ID) map[ID]ID {
	out := make(map[ID]ID, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
