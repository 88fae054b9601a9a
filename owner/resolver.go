package owner

import (
	"regsweep/logger"
	"regsweep/registry"
)

// Resolver looks up key owners through a registry store.
type Resolver struct {
	store registry.Store
}

func NewResolver(store registry.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the owner of a key, or NotAvailable when the lookup is
// unsupported or fails for any reason.
func (r *Resolver) Resolve(hive registry.Hive, subkey string) (owner string) {
	if r == nil || r.store == nil {
		return NotAvailable
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Debugf("Owner lookup for %s panicked: %v", registry.FullPath(hive, subkey), rec)
			owner = NotAvailable
		}
	}()
	o, err := r.store.Owner(hive, subkey)
	if err != nil || o == "" {
		if err != nil {
			logger.Debugf("Owner lookup for %s failed: %v", registry.FullPath(hive, subkey), err)
		}
		return NotAvailable
	}
	return o
}
