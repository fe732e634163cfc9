package updates

import (
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// Version identifies one firmware build, on the device or in a bundle.
// Development builds are identified by Commit; everything else by Version.
type Version struct {
	Version string    `json:"version"`
	Commit  string    `json:"commit,omitempty"`
	Branch  string    `json:"branch,omitempty"`
	Channel Channel   `json:"channel"`
	Date    time.Time `json:"date"`
}

// Identity is the string that names the build on its channel.
func (v Version) Identity() string {
	if v.Channel == ChannelDevelopment && v.Commit != "" {
		return v.Commit
	}
	return v.Version
}

// DeviceStatus carries the installed-state facts that force an update even
// when the firmware itself is current.
type DeviceStatus struct {
	ExternalStorage bool
	AssetsInstalled bool
	RadioVersion    string
	Recovery        bool
}

// CanUpdate reports whether the server build should replace the device build.
// Missing assets or a missing radio stack always warrant an update.
func CanUpdate(device, server Version, status DeviceStatus) bool {
	if status.ExternalStorage && !status.AssetsInstalled {
		return true
	}
	if strings.TrimSpace(status.RadioVersion) == "" {
		return true
	}

	switch device.Channel {
	case ChannelRelease:
		switch server.Channel {
		case ChannelRelease, ChannelReleaseCandidate:
			return compareVersions(device.Version, server.Version) < 0
		case ChannelDevelopment:
			return !dateAfter(device.Date, server.Date)
		}
	case ChannelReleaseCandidate:
		switch server.Channel {
		case ChannelRelease:
			return compareVersions(device.Version, server.Version) <= 0
		case ChannelReleaseCandidate:
			return compareVersions(device.Version, server.Version) < 0
		case ChannelDevelopment:
			return !dateAfter(device.Date, server.Date)
		}
	case ChannelDevelopment:
		switch server.Channel {
		case ChannelRelease, ChannelReleaseCandidate:
			return !dateAfter(device.Date, server.Date)
		case ChannelDevelopment:
			return developmentNewer(device, server)
		}
	}
	return false
}

// CanInstall reports whether the server build belongs to a different channel
// than the device, which makes it a channel switch rather than an update.
func CanInstall(device, server Version) bool {
	return device.Channel != server.Channel
}

// CanRepair reports whether a repair applies, which is only while the device
// sits in recovery mode.
func CanRepair(status DeviceStatus) bool {
	return status.Recovery
}

// developmentNewer orders two development builds by build date, then by
// commit when both were built the same day.
func developmentNewer(device, server Version) bool {
	d, s := day(device.Date), day(server.Date)
	switch {
	case d.Before(s):
		return true
	case d.Equal(s):
		return device.Identity() != server.Identity()
	default:
		return false
	}
}

func dateAfter(a, b time.Time) bool {
	return day(a).After(day(b))
}

func day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// compareVersions orders dotted version strings. A suffix such as "-rc" sorts
// before the plain release of the same number.
func compareVersions(a, b string) int {
	return semver.Compare(canonical(a), canonical(b))
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// ParseBuildDate reads the dd-mm-yyyy stamp reported by the firmware.
func ParseBuildDate(text string) (time.Time, bool) {
	t, err := time.Parse("02-01-2006", strings.TrimSpace(text))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
