// Package ownership implements the owner[target_id] -> instance_id
// table shared by PresetEngine and SequenceEngine: whichever instance
// most recently opened a preset or sequence is the only one whose
// release can close it (spec §4.4, §9 "Ownership over shared targets").
// Like the rest of the engine's runtime state, Registry is not
// internally synchronized — callers must hold the engine's shared lock.
package ownership

import "stagehand/engine/dispatch"

// Registry is the owner[target_id] -> instance_id map.
type Registry struct {
	owner map[string]dispatch.InstanceID
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{owner: make(map[string]dispatch.InstanceID)}
}

// Take records instance as the new owner of target — last-writer wins,
// per spec §5 "Ordering guarantees".
func (r *Registry) Take(target string, instance dispatch.InstanceID) {
	r.owner[target] = instance
}

// IsOwner reports whether instance currently owns target. A target
// with no recorded owner belongs to nobody, so IsOwner is false.
func (r *Registry) IsOwner(target string, instance dispatch.InstanceID) bool {
	cur, ok := r.owner[target]
	return ok && cur == instance
}

// Release drops the ownership record for target, regardless of who
// holds it — used by ResetSequences and Panic.
func (r *Registry) Release(target string) {
	delete(r.owner, target)
}

// Clear drops every ownership record.
func (r *Registry) Clear() {
	r.owner = make(map[string]dispatch.InstanceID)
}
