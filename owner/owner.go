package owner

import (
	"fmt"
	"strings"
)

// Mode selects which key owners a scan visits.
type Mode string

const (
	ModeAll         Mode = "all"
	ModeSystems     Mode = "systems"
	ModeLocalSystem Mode = "localsystem"
	ModeUsers       Mode = "users"
)

// NotAvailable is the owner of a key whose owner could not be resolved.
const NotAvailable = "N/A"

// LocalSystem is the built-in system principal.
const LocalSystem = `NT AUTHORITY\SYSTEM`

var systemAccounts = map[string]struct{}{
	LocalSystem:                  {},
	`NT AUTHORITY\LocalService`:   {},
	`NT AUTHORITY\NetworkService`: {},
}

// ParseMode accepts a mode name case-insensitively. An empty name is ModeAll.
func ParseMode(name string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(name)))
	switch m {
	case "":
		return ModeAll, nil
	case ModeAll, ModeSystems, ModeLocalSystem, ModeUsers:
		return m, nil
	}
	return "", fmt.Errorf("unknown owner filter %q (want all, systems, localsystem or users)", name)
}

// IsSystemAccount reports whether owner is one of the service principals.
func IsSystemAccount(owner string) bool {
	_, ok := systemAccounts[owner]
	return ok
}

// Passes reports whether a key owned by owner is visited under mode.
// Unresolved owners pass only ModeAll. Unknown modes pass everything.
func Passes(owner string, mode Mode, currentUser string) bool {
	m := Mode(strings.ToLower(string(mode)))
	if m == "" || m == ModeAll {
		return true
	}
	if owner == "" || owner == NotAvailable {
		return false
	}
	switch m {
	case ModeSystems:
		return IsSystemAccount(owner)
	case ModeLocalSystem:
		return owner == LocalSystem
	case ModeUsers:
		return matchesUser(owner, currentUser)
	}
	return true
}

func matchesUser(owner, currentUser string) bool {
	if currentUser == "" {
		return false
	}
	if strings.EqualFold(owner, currentUser) {
		return true
	}
	account := currentUser
	if i := strings.LastIndex(account, `\`); i >= 0 {
		account = account[i+1:]
	}
	return strings.Contains(strings.ToLower(owner), strings.ToLower(account))
}
