// Package registry holds the static configuration of known volumes. The
// registry is loaded once at startup and is read-only afterwards, so it
// needs no locking. Volume state is never stored here: the unlock workers
// are the only source of truth and are queried through the orchestrator.
package registry

import (
	"encoding/json"
	"fmt"

	"github.com/cryptmountd/cryptmountd/interfaces"
)

// Registry is the immutable set of configured volumes.
type Registry struct {
	volumes map[interfaces.VolumeName]interfaces.VolumeConfig
	order   []interfaces.VolumeName
}

// New builds a registry from validated volume configurations. Duplicate
// names are rejected.
func New(volumes []interfaces.VolumeConfig) (*Registry, error) {
	r := &Registry{
		volumes: make(map[interfaces.VolumeName]interfaces.VolumeConfig, len(volumes)),
		order:   make([]interfaces.VolumeName, 0, len(volumes)),
	}
	for i := range volumes {
		v := volumes[i]
		if err := v.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.volumes[v.Name]; exists {
			return nil, fmt.Errorf("duplicate volume %s", v.Name)
		}
		r.volumes[v.Name] = v
		r.order = append(r.order, v.Name)
	}
	return r, nil
}

// Load parses the JSON volume configuration document and builds a registry.
// The document is a JSON array of volume objects.
func Load(data []byte) (*Registry, error) {
	var volumes []interfaces.VolumeConfig
	if err := json.Unmarshal(data, &volumes); err != nil {
		return nil, fmt.Errorf("could not parse volume configuration: %w", err)
	}
	return New(volumes)
}

// Lookup returns the configuration for a volume name.
func (r *Registry) Lookup(name interfaces.VolumeName) (interfaces.VolumeConfig, bool) {
	v, ok := r.volumes[name]
	return v, ok
}

// Names returns the volume names in configuration order.
func (r *Registry) Names() []interfaces.VolumeName {
	names := make([]interfaces.VolumeName, len(r.order))
	copy(names, r.order)
	return names
}

// Volumes returns the volume configurations in configuration order.
func (r *Registry) Volumes() []interfaces.VolumeConfig {
	volumes := make([]interfaces.VolumeConfig, 0, len(r.order))
	for _, name := range r.order {
		volumes = append(volumes, r.volumes[name])
	}
	return volumes
}

// Len returns the number of configured volumes.
func (r *Registry) Len() int {
	return len(r.order)
}
