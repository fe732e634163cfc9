package updates

import (
	"fmt"
	"strings"
)

// Channel is an update stream.
type Channel string

const (
	ChannelUnknown          Channel = ""
	ChannelRelease          Channel = "release"
	ChannelReleaseCandidate Channel = "release-candidate"
	ChannelDevelopment      Channel = "development"
)

var channelAliases = map[string]Channel{
	"release":           ChannelRelease,
	"stable":            ChannelRelease,
	"release-candidate": ChannelReleaseCandidate,
	"rc":                ChannelReleaseCandidate,
	"development":       ChannelDevelopment,
	"dev":               ChannelDevelopment,
}

// ParseChannel accepts a channel name or one of its short aliases.
func ParseChannel(name string) (Channel, error) {
	if ch, ok := channelAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return ch, nil
	}
	return ChannelUnknown, fmt.Errorf("unknown update channel %q", name)
}

// ChannelForBranch maps a firmware build branch to the channel it ships on.
func ChannelForBranch(branch string) Channel {
	switch {
	case branch == "dev":
		return ChannelDevelopment
	case strings.Contains(branch, "-rc"):
		return ChannelReleaseCandidate
	default:
		return ChannelRelease
	}
}

// Channels lists the known channels from most to least stable.
func Channels() []Channel {
	return []Channel{ChannelRelease, ChannelReleaseCandidate, ChannelDevelopment}
}

func (c Channel) String() string {
	if c == ChannelUnknown {
		return "unknown"
	}
	return string(c)
}
