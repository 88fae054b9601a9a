package scanner

import (
	"regsweep/logger"
	"regsweep/registry"
)

// openKey opens a key read-only, trying each view of the store in order.
// Every failure is reported as StateDenied and never returned.
func openKey(store registry.Store, hive registry.Hive, subkey string) (registry.Key, registry.KeyInfo, AccessState) {
	views := store.Views()
	if len(views) == 0 {
		views = []registry.View{registry.ViewDefault}
	}
	for _, view := range views {
		key, err := store.OpenKey(hive, subkey, view)
		if err != nil {
			logger.Debugf("Open %s (%s) failed: %v", registry.FullPath(hive, subkey), view, err)
			continue
		}
		info, err := key.Info()
		if err != nil {
			logger.Debugf("Query %s (%s) failed: %v", registry.FullPath(hive, subkey), view, err)
			_ = key.Close()
			continue
		}
		return key, info, StateAccess
	}
	return nil, registry.KeyInfo{}, StateDenied
}
