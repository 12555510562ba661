package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGetVersionInfo(t *testing.T) {
	old := Version
	defer func() { Version = old }()
	Version = "1.2.3"

	info := GetVersionInfo()
	if !strings.HasPrefix(info, "chronopoint 1.2.3 ") {
		t.Errorf("unexpected version info %q", info)
	}
	if !strings.Contains(info, runtime.GOOS+"/"+runtime.GOARCH) {
		t.Errorf("version info %q lacks platform", info)
	}
}
