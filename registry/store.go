package registry

import "time"

// View selects the 32/64-bit registry view a key is opened in.
type View uint8

const (
	ViewDefault View = iota
	View64
	View32
)

func (v View) String() string {
	switch v {
	case View64:
		return "wow64_64"
	case View32:
		return "wow64_32"
	default:
		return "default"
	}
}

// KeyInfo holds the metadata of an open key.
type KeyInfo struct {
	SubKeyCount int
	ValueCount  int
	LastWrite   time.Time
}

// Key is a read-only handle to an open registry key. Enumeration methods
// return ErrNoMoreItems once index runs past the last item.
type Key interface {
	Info() (KeyInfo, error)
	EnumValue(index int) (Value, error)
	EnumSubKey(index int) (string, error)
	Close() error
}

// Store opens keys and looks up key ownership.
type Store interface {
	OpenKey(hive Hive, path string, view View) (Key, error)
	// Owner returns the owning principal of a key as DOMAIN\name.
	Owner(hive Hive, path string) (string, error)
	// Views lists the views OpenKey should be attempted with, in order.
	Views() []View
}

var defaultViews = []View{ViewDefault}
