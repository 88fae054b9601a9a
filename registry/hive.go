package registry

import (
	"fmt"
	"strings"
)

// Hive identifies a top-level root of the registry tree.
type Hive uint8

const (
	HiveUnknown Hive = iota
	LocalMachine
	CurrentUser
	ClassesRoot
	Users
	CurrentConfig
)

var hiveAliases = map[string]Hive{
	"HKLM":                LocalMachine,
	"HKEY_LOCAL_MACHINE":  LocalMachine,
	"HKCU":                CurrentUser,
	"HKEY_CURRENT_USER":   CurrentUser,
	"HKCR":                ClassesRoot,
	"HKEY_CLASSES_ROOT":   ClassesRoot,
	"HKU":                 Users,
	"HKEY_USERS":          Users,
	"HKCC":                CurrentConfig,
	"HKEY_CURRENT_CONFIG": CurrentConfig,
}

var hiveShortNames = map[Hive]string{
	LocalMachine:  "HKLM",
	CurrentUser:   "HKCU",
	ClassesRoot:   "HKCR",
	Users:         "HKU",
	CurrentConfig: "HKCC",
}

// String returns the short alias of the hive (HKLM, HKCU, ...).
func (h Hive) String() string {
	if name, ok := hiveShortNames[h]; ok {
		return name
	}
	return fmt.Sprintf("hive(%d)", uint8(h))
}

// ParseHive resolves a short or long hive alias, case-insensitively.
func ParseHive(name string) (Hive, bool) {
	h, ok := hiveAliases[strings.ToUpper(strings.TrimSpace(name))]
	return h, ok
}

// ParsePath splits a hive-qualified path into its hive and subkey.
// Accepted forms include `HKLM\SOFTWARE\X`, `HKEY_LOCAL_MACHINE/SOFTWARE/X`,
// `Computer\HKLM\SOFTWARE\X` and the PowerShell drive form `HKLM:\SOFTWARE\X`.
func ParsePath(path string) (Hive, string, error) {
	p := strings.ReplaceAll(strings.TrimSpace(path), "/", `\`)
	if strings.HasPrefix(strings.ToLower(p), `computer\`) {
		p = p[len(`computer\`):]
	}
	head, sub, _ := strings.Cut(p, `\`)
	head = strings.TrimSuffix(strings.TrimSpace(head), ":")
	hive, ok := ParseHive(head)
	if !ok {
		return HiveUnknown, p, fmt.Errorf("%w: %q", ErrUnknownHive, head)
	}
	return hive, strings.TrimRight(sub, `\`), nil
}

// FullPath renders a hive and subkey back into `HIVE\Sub\Path` form.
func FullPath(h Hive, subkey string) string {
	if subkey == "" {
		return h.String()
	}
	return h.String() + `\` + subkey
}

// JoinPath appends a child key name to a subkey path.
func JoinPath(subkey, child string) string {
	if subkey == "" {
		return child
	}
	return subkey + `\` + child
}
