package systeminfo

import (
	"runtime"
	"testing"

	"regsweep/logger"
)

func init() {
	logger.Init("error")
}

func TestCollect(t *testing.T) {
	info := Collect(`WORKGROUP\alice`)
	if info == nil {
		t.Fatal("nil info")
	}
	if info.OS != runtime.GOOS {
		t.Fatalf("unexpected os: %s", info.OS)
	}
	if info.Arch == "" {
		t.Fatal("expected an architecture")
	}
	if info.User != `WORKGROUP\alice` {
		t.Fatalf("unexpected user: %s", info.User)
	}
}
