package registry

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/exp/mmap"
	"gopkg.in/yaml.v3"
)

// Snapshot is the YAML form of an offline registry tree:
//
//	keys:
//	  - path: HKCU\Software\Test
//	    owner: CONTOSO\alice
//	    last_write: 2024-05-01T10:00:00Z
//	    values:
//	      - {name: Updater, type: string, data: reverse_shell.exe}
//	      - {name: Flags, type: dword, data: 1}
//	      - {name: Blob, type: binary, data: "4d5a9000"}
type Snapshot struct {
	Keys []SnapshotKey `yaml:"keys"`
}

type SnapshotKey struct {
	Path      string          `yaml:"path"`
	Owner     string          `yaml:"owner,omitempty"`
	Denied    bool            `yaml:"denied,omitempty"`
	LastWrite time.Time       `yaml:"last_write,omitempty"`
	Values    []SnapshotValue `yaml:"values,omitempty"`
}

type SnapshotValue struct {
	Name string    `yaml:"name"`
	Type string    `yaml:"type"`
	Data yaml.Node `yaml:"data"`
}

// mmapMinSize is the snapshot size above which the file is memory mapped
// instead of read through a file handle.
const mmapMinSize = 1 << 20

var openMmapReader = mmap.Open

// LoadSnapshotFile reads a YAML snapshot from disk into a MemStore.
func LoadSnapshotFile(path string) (*MemStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open snapshot: %w", err)
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.Size() >= mmapMinSize {
		if r, err := openMmapReader(path); err == nil {
			defer r.Close()
			return LoadSnapshot(io.NewSectionReader(r, 0, int64(r.Len())))
		}
	}
	return LoadSnapshot(f)
}

// LoadSnapshot decodes a YAML snapshot into a MemStore.
func LoadSnapshot(r io.Reader) (*MemStore, error) {
	var snap Snapshot
	if err := yaml.NewDecoder(r).Decode(&snap); err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid snapshot format: %w", err)
	}
	store := NewMemStore()
	for _, sk := range snap.Keys {
		key, err := store.CreateKey(sk.Path)
		if err != nil {
			return nil, err
		}
		key.SetOwner(sk.Owner).SetLastWrite(sk.LastWrite.UTC())
		if sk.Denied {
			key.Deny()
		}
		for _, sv := range sk.Values {
			v, err := sv.decode()
			if err != nil {
				return nil, fmt.Errorf("%s: value %q: %w", sk.Path, sv.Name, err)
			}
			key.SetValue(v)
		}
	}
	return store, nil
}

func (sv SnapshotValue) decode() (Value, error) {
	v := Value{Name: sv.Name}
	typeName := strings.ToLower(strings.TrimSpace(sv.Type))
	if typeName == "" {
		typeName = "string"
	}
	t, ok := ParseTypeName(typeName)
	if !ok {
		return v, fmt.Errorf("unknown value type %q", sv.Type)
	}
	v.Type = t
	if sv.Data.Kind == 0 {
		return v, nil
	}
	switch t {
	case TypeString, TypeExpandString:
		if err := sv.Data.Decode(&v.String); err != nil {
			return v, err
		}
	case TypeMultiString:
		if err := sv.Data.Decode(&v.Strings); err != nil {
			return v, err
		}
	case TypeDWord, TypeQWord:
		if err := sv.Data.Decode(&v.Integer); err != nil {
			return v, err
		}
		if t == TypeDWord && v.Integer > 0xFFFFFFFF {
			return v, fmt.Errorf("dword out of range: %d", v.Integer)
		}
	case TypeBinary:
		var s string
		if err := sv.Data.Decode(&s); err != nil {
			return v, err
		}
		b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
		if err != nil {
			return v, err
		}
		v.Binary = b
	}
	return v, nil
}
