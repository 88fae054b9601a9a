package scanner

import (
	"fmt"
	"strings"
	"time"

	"regsweep/logger"
	"regsweep/registry"
)

func init() {
	logger.Init("error")
}

var fixtureTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func fixtureStore() *registry.MemStore {
	s := registry.NewMemStore()
	s.MustCreateKey(`HKCU\Software\Test`).
		SetOwner(`CONTOSO\alice`).
		SetLastWrite(fixtureTime).
		SetString("Updater", `C:\Users\alice\AppData\reverse_shell.exe`).
		SetString("Theme", "dark").
		SetDWord("Flags", 1)
	s.MustCreateKey(`HKCU\Software\Test\Run`).
		SetOwner(`CONTOSO\alice`).
		SetString("ssh", "nc -e cmd.exe").
		SetString("Benign", "asshole")
	return s
}

func manyValues(k *registry.MemKey, n int) {
	for i := 0; i < n; i++ {
		k.SetDWord(fmt.Sprintf("v%04d", i), uint32(i))
	}
}

func resultNames(results []Result) []string {
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.ValueName
	}
	return names
}

func joined(results []Result) string {
	return strings.Join(resultNames(results), ",")
}

// panicStore faults when opening one path.
type panicStore struct {
	*registry.MemStore
	path string
}

func (s panicStore) OpenKey(h registry.Hive, path string, v registry.View) (registry.Key, error) {
	if strings.EqualFold(path, s.path) {
		panic("store fault")
	}
	return s.MemStore.OpenKey(h, path, v)
}
