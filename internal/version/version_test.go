package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func stubBuildInfo(t *testing.T, bi *debug.BuildInfo) {
	t.Helper()
	prev := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
	t.Cleanup(func() { readBuildInfo = prev })
}

func stubLDFlags(t *testing.T, version, commit, buildTime string) {
	t.Helper()
	pv, pc, pb := Version, Commit, BuildTime
	Version, Commit, BuildTime = version, commit, buildTime
	t.Cleanup(func() { Version, Commit, BuildTime = pv, pc, pb })
}

func TestResolveFromBuildInfo(t *testing.T) {
	stubLDFlags(t, "", "", "")
	stubBuildInfo(t, &debug.BuildInfo{
		GoVersion: "go1.26.0",
		Main:      debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})

	info := Resolve()
	require.Equal(t, "v0.3.1", info.Version)
	require.Equal(t, "0123456789abcdef0123", info.Commit)
	require.Equal(t, "2026-01-02T03:04:05Z", info.BuildTime)
	require.Equal(t, "go1.26.0", info.GoVersion)
	require.Equal(t, "v0.3.1 (0123456789ab-dirty)", String())
}

func TestLDFlagsWin(t *testing.T) {
	stubLDFlags(t, "1.0.0", "abc", "")
	stubBuildInfo(t, &debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "def"}},
	})

	info := Resolve()
	require.Equal(t, "1.0.0", info.Version)
	require.Equal(t, "abc", info.Commit)
	require.Equal(t, "1.0.0 (abc)", String())
}

func TestVersionFallsBackToBuildTime(t *testing.T) {
	stubLDFlags(t, "", "", "20260101T000000Z")
	stubBuildInfo(t, nil)

	require.Equal(t, "20260101T000000Z", Resolve().Version)
}
