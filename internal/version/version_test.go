package version_test

import (
	"testing"

	v "github.com/keithlinneman/linnemanlabs-denylist/internal/version"
)

func TestGet_LdflagsWin(t *testing.T) {
	oldVersion, oldCommit, oldDirty := v.Version, v.Commit, v.VCSDirty
	t.Cleanup(func() { v.Version, v.Commit, v.VCSDirty = oldVersion, oldCommit, oldDirty })

	dirty := true
	v.Version = "1.4.0"
	v.Commit = "abc123"
	v.VCSDirty = &dirty

	info := v.Get()
	if info.Version != "1.4.0" || info.Commit != "abc123" {
		t.Fatalf("info = %+v", info)
	}
	if info.VCSDirty == nil || !*info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}
	if info.AppName != v.AppName {
		t.Fatalf("AppName = %q", info.AppName)
	}
}

func TestGet_GoVersionPopulated(t *testing.T) {
	if info := v.Get(); info.GoVersion == "" {
		t.Fatal("GoVersion should come from build info")
	}
}
