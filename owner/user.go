package owner

import (
	"os"
	"os/user"
	"strings"
)

// CurrentUser returns the account running the scan as DOMAIN\name when the
// domain is known, or an empty string when it cannot be determined.
func CurrentUser() string {
	name := ""
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	if name == "" {
		name = firstEnv("USERNAME", "USER", "LOGNAME")
	}
	if name == "" {
		return ""
	}
	if strings.Contains(name, `\`) {
		return name
	}
	if domain := os.Getenv("USERDOMAIN"); domain != "" {
		return domain + `\` + name
	}
	return name
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}
