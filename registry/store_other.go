//go:build !windows
// +build !windows

package registry

type unsupportedStore struct{}

// Native returns a store that denies every open outside Windows. Use a
// MemStore snapshot to scan offline.
func Native() Store {
	return unsupportedStore{}
}

func (unsupportedStore) Views() []View {
	return defaultViews
}

func (unsupportedStore) OpenKey(Hive, string, View) (Key, error) {
	return nil, ErrNotSupported
}

func (unsupportedStore) Owner(Hive, string) (string, error) {
	return "", ErrNotSupported
}
