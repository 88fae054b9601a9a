//go:build windows
// +build windows

package registry

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
	winreg "golang.org/x/sys/windows/registry"
)

// maxKeyNameLen is the registry limit for a key name, in UTF-16 units.
const maxKeyNameLen = 255

var redirectedViews = []View{ViewDefault, View64, View32}

type windowsStore struct{}

// Native returns the store backed by the live Windows registry.
func Native() Store {
	return windowsStore{}
}

func rootKey(h Hive) (winreg.Key, bool) {
	switch h {
	case LocalMachine:
		return winreg.LOCAL_MACHINE, true
	case CurrentUser:
		return winreg.CURRENT_USER, true
	case ClassesRoot:
		return winreg.CLASSES_ROOT, true
	case Users:
		return winreg.USERS, true
	case CurrentConfig:
		return winreg.CURRENT_CONFIG, true
	}
	return 0, false
}

// securityObjectPrefix maps a hive onto the object name prefix expected by
// GetNamedSecurityInfo for SE_REGISTRY_KEY objects.
func securityObjectPrefix(h Hive) (string, bool) {
	switch h {
	case LocalMachine:
		return "MACHINE", true
	case CurrentUser:
		return "CURRENT_USER", true
	case ClassesRoot:
		return "CLASSES_ROOT", true
	case Users:
		return "USERS", true
	case CurrentConfig:
		return "CURRENT_CONFIG", true
	}
	return "", false
}

func (windowsStore) Views() []View {
	return redirectedViews
}

func (windowsStore) OpenKey(h Hive, path string, view View) (Key, error) {
	root, ok := rootKey(h)
	if !ok {
		return nil, ErrUnknownHive
	}
	access := uint32(winreg.READ)
	switch view {
	case View64:
		access |= winreg.WOW64_64KEY
	case View32:
		access |= winreg.WOW64_32KEY
	}
	k, err := winreg.OpenKey(root, path, access)
	if err != nil {
		return nil, translateErr(err)
	}
	return &windowsKey{k: k}, nil
}

func (windowsStore) Owner(h Hive, path string) (string, error) {
	prefix, ok := securityObjectPrefix(h)
	if !ok {
		return "", ErrUnknownHive
	}
	object := prefix
	if path != "" {
		object = prefix + `\` + path
	}
	sd, err := windows.GetNamedSecurityInfo(object, windows.SE_REGISTRY_KEY, windows.OWNER_SECURITY_INFORMATION)
	if err != nil {
		return "", translateErr(err)
	}
	sid, _, err := sd.Owner()
	if err != nil {
		return "", err
	}
	if sid == nil {
		return "", fmt.Errorf("no owner recorded for %s", object)
	}
	account, domain, _, err := sid.LookupAccount("")
	if err != nil {
		return "", err
	}
	if domain == "" {
		return account, nil
	}
	return domain + `\` + account, nil
}

type windowsKey struct {
	k          winreg.Key
	valueNames []string
	namesRead  bool
}

func (k *windowsKey) Info() (KeyInfo, error) {
	st, err := k.k.Stat()
	if err != nil {
		return KeyInfo{}, translateErr(err)
	}
	return KeyInfo{
		SubKeyCount: int(st.SubKeyCount),
		ValueCount:  int(st.ValueCount),
		LastWrite:   st.ModTime().UTC(),
	}, nil
}

// EnumValue snapshots the value names on first use; the registry package
// enumerates them in index order.
func (k *windowsKey) EnumValue(index int) (Value, error) {
	if !k.namesRead {
		names, err := k.k.ReadValueNames(0)
		if err != nil {
			return Value{}, translateErr(err)
		}
		k.valueNames = names
		k.namesRead = true
	}
	if index < 0 || index >= len(k.valueNames) {
		return Value{}, ErrNoMoreItems
	}
	name := k.valueNames[index]
	raw, typ, err := k.readRaw(name)
	if err != nil {
		return Value{}, err
	}
	return DecodeValue(name, ValueType(typ), raw), nil
}

func (k *windowsKey) readRaw(name string) ([]byte, uint32, error) {
	n, typ, err := k.k.GetValue(name, nil)
	if err != nil {
		return nil, 0, translateErr(err)
	}
	for attempt := 0; attempt < 3; attempt++ {
		buf := make([]byte, n)
		n, typ, err = k.k.GetValue(name, buf)
		if err == nil {
			return buf[:n], typ, nil
		}
		if !errors.Is(err, winreg.ErrShortBuffer) {
			return nil, 0, translateErr(err)
		}
	}
	return nil, 0, fmt.Errorf("value %q keeps growing while being read", name)
}

func (k *windowsKey) EnumSubKey(index int) (string, error) {
	buf := make([]uint16, maxKeyNameLen+1)
	n := uint32(len(buf))
	err := windows.RegEnumKeyEx(windows.Handle(k.k), uint32(index), &buf[0], &n, nil, nil, nil, nil)
	if err != nil {
		return "", translateErr(err)
	}
	return windows.UTF16ToString(buf[:n]), nil
}

func (k *windowsKey) Close() error {
	return k.k.Close()
}

func translateErr(err error) error {
	switch {
	case errors.Is(err, windows.ERROR_NO_MORE_ITEMS):
		return ErrNoMoreItems
	case errors.Is(err, windows.ERROR_FILE_NOT_FOUND), errors.Is(err, windows.ERROR_PATH_NOT_FOUND):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	return err
}
