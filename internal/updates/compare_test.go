package updates_test

import (
	"testing"
	"time"

	"zeroflash/internal/updates"
)

func date(s string) time.Time {
	t, ok := updates.ParseBuildDate(s)
	if !ok {
		panic("bad date " + s)
	}
	return t
}

var installed = updates.DeviceStatus{
	ExternalStorage: true,
	AssetsInstalled: true,
	RadioVersion:    "1.13.3",
}

func TestChannelForBranch(t *testing.T) {
	tests := []struct {
		branch string
		want   updates.Channel
	}{
		{"dev", updates.ChannelDevelopment},
		{"0.99.1-rc", updates.ChannelReleaseCandidate},
		{"release-rc2", updates.ChannelReleaseCandidate},
		{"0.99.1", updates.ChannelRelease},
		{"develop", updates.ChannelRelease},
		{"", updates.ChannelRelease},
	}
	for _, tt := range tests {
		if got := updates.ChannelForBranch(tt.branch); got != tt.want {
			t.Errorf("ChannelForBranch(%q) = %s, want %s", tt.branch, got, tt.want)
		}
	}
}

func TestParseChannelAliases(t *testing.T) {
	for alias, want := range map[string]updates.Channel{
		"release": updates.ChannelRelease,
		"Stable":  updates.ChannelRelease,
		" rc ":    updates.ChannelReleaseCandidate,
		"dev":     updates.ChannelDevelopment,
	} {
		got, err := updates.ParseChannel(alias)
		if err != nil || got != want {
			t.Errorf("ParseChannel(%q) = %s, %v", alias, got, err)
		}
	}
	if _, err := updates.ParseChannel("nightly"); err == nil {
		t.Fatal("expected unknown channel to fail")
	}
}

func TestCanUpdate(t *testing.T) {
	release := func(v, d string) updates.Version {
		return updates.Version{Version: v, Channel: updates.ChannelRelease, Date: date(d)}
	}
	rc := func(v, d string) updates.Version {
		return updates.Version{Version: v, Channel: updates.ChannelReleaseCandidate, Date: date(d)}
	}
	dev := func(v, commit, d string) updates.Version {
		return updates.Version{Version: v, Commit: commit, Channel: updates.ChannelDevelopment, Date: date(d)}
	}

	tests := []struct {
		name   string
		device updates.Version
		server updates.Version
		want   bool
	}{
		{"release older", release("1.0", "01-01-2024"), release("1.1", "01-02-2024"), true},
		{"release same", release("1.1", "01-02-2024"), release("1.1", "01-02-2024"), false},
		{"release newer", release("1.2", "01-03-2024"), release("1.1", "01-02-2024"), false},
		{"release to rc", release("0.98.3", "01-01-2024"), rc("0.99.0-rc", "01-02-2024"), true},
		{"release to same rc", release("0.99.0", "01-01-2024"), rc("0.99.0-rc", "01-02-2024"), false},
		{"release to dev", release("0.98.3", "01-01-2024"), dev("0.99.0", "abc", "01-02-2024"), true},
		{"release to older dev", release("0.98.3", "01-03-2024"), dev("0.99.0", "abc", "01-02-2024"), false},
		{"rc to final release", rc("0.99.0-rc", "01-01-2024"), release("0.99.0", "01-02-2024"), true},
		{"rc to same rc", rc("0.99.0-rc", "01-01-2024"), rc("0.99.0-rc", "01-01-2024"), false},
		{"dev to release same day", dev("0.99.0", "abc", "01-02-2024"), release("0.99.0", "01-02-2024"), true},
		{"dev to older release", dev("0.99.0", "abc", "02-02-2024"), release("0.99.0", "01-02-2024"), false},
		{"dev same identity newer date", dev("0.99.0", "abc", "01-02-2024"), dev("0.99.0", "abc", "02-02-2024"), true},
		{"dev same identity same date", dev("0.99.0", "abc", "01-02-2024"), dev("0.99.0", "abc", "01-02-2024"), false},
		{"dev other commit same date", dev("0.99.0", "abc", "01-02-2024"), dev("0.99.0", "def", "01-02-2024"), true},
		{"dev older server", dev("0.99.0", "abc", "03-02-2024"), dev("0.99.0", "def", "01-02-2024"), false},
		{"unknown device channel", updates.Version{Version: "1.0"}, release("2.0", "01-01-2024"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := updates.CanUpdate(tt.device, tt.server, installed); got != tt.want {
				t.Fatalf("CanUpdate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanUpdateForcedByMissingPieces(t *testing.T) {
	current := updates.Version{Version: "1.1", Channel: updates.ChannelRelease, Date: date("01-02-2024")}

	missingAssets := installed
	missingAssets.AssetsInstalled = false
	if !updates.CanUpdate(current, current, missingAssets) {
		t.Fatal("expected missing assets to force an update")
	}

	noStorage := missingAssets
	noStorage.ExternalStorage = false
	if updates.CanUpdate(current, current, noStorage) {
		t.Fatal("assets cannot be missing without external storage")
	}

	noRadio := installed
	noRadio.RadioVersion = ""
	if !updates.CanUpdate(current, current, noRadio) {
		t.Fatal("expected missing radio stack to force an update")
	}
}

func TestCanInstallAndRepair(t *testing.T) {
	rel := updates.Version{Version: "1.0", Channel: updates.ChannelRelease}
	dev := updates.Version{Version: "1.0", Channel: updates.ChannelDevelopment}
	if updates.CanInstall(rel, rel) {
		t.Fatal("same channel is an update, not an install")
	}
	if !updates.CanInstall(rel, dev) {
		t.Fatal("expected channel switch to be installable")
	}
	if updates.CanRepair(installed) {
		t.Fatal("normal mode device cannot be repaired")
	}
	if !updates.CanRepair(updates.DeviceStatus{Recovery: true}) {
		t.Fatal("recovery mode device should be repairable")
	}
}

func TestIdentityUsesCommitOnDevelopment(t *testing.T) {
	v := updates.Version{Version: "0.99.0", Commit: "abc123", Channel: updates.ChannelDevelopment}
	if v.Identity() != "abc123" {
		t.Fatalf("identity = %q", v.Identity())
	}
	v.Channel = updates.ChannelRelease
	if v.Identity() != "0.99.0" {
		t.Fatalf("identity = %q", v.Identity())
	}
}
