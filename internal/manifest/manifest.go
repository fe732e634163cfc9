// Package manifest parses the radio manifest shipped with update bundles. It
// lists the firmware-update-service (FUS) and radio stack images, where they
// are flashed, and which installed versions they apply to.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"zeroflash/internal/services"
)

// Header identifies the manifest format and build time.
type Header struct {
	Version   int
	Timestamp time.Time
}

// ConditionType selects how a file's version condition is evaluated.
type ConditionType int

const (
	ConditionUnknown ConditionType = iota
	ConditionEquals
	ConditionGreater
)

// Condition restricts a file to installed versions. The text form is
// "=1.2.0" or ">1.2.0".
type Condition struct {
	Type    ConditionType
	Version string
}

// ParseCondition decodes the text form. Anything else yields ConditionUnknown.
func ParseCondition(text string) Condition {
	text = strings.TrimSpace(text)
	if len(text) < 2 {
		return Condition{}
	}
	version := strings.TrimSpace(text[1:])
	if !semver.IsValid("v" + version) {
		return Condition{}
	}
	switch text[0] {
	case '=':
		return Condition{Type: ConditionEquals, Version: version}
	case '>':
		return Condition{Type: ConditionGreater, Version: version}
	default:
		return Condition{}
	}
}

// Matches reports whether the installed version satisfies the condition. A
// file with no condition always applies.
func (c Condition) Matches(installed string) bool {
	if c.Type == ConditionUnknown {
		return true
	}
	v := "v" + strings.TrimPrefix(installed, "v")
	if !semver.IsValid(v) {
		return false
	}
	cmp := semver.Compare(v, "v"+c.Version)
	if c.Type == ConditionEquals {
		return cmp == 0
	}
	return cmp > 0
}

func (c Condition) String() string {
	switch c.Type {
	case ConditionEquals:
		return "=" + c.Version
	case ConditionGreater:
		return ">" + c.Version
	default:
		return ""
	}
}

// File is one image to flash.
type File struct {
	Name      string
	SHA256    []byte
	Condition Condition
	Address   uint32
}

// Verify checks data against the recorded checksum.
func (f File) Verify(data []byte) error {
	sum := sha256.Sum256(data)
	if !bytes.Equal(sum[:], f.SHA256) {
		return services.Wrap(services.ErrData, "manifest", "verify "+f.Name,
			fmt.Sprintf("sha256 %x, expected %x", sum, f.SHA256), nil)
	}
	return nil
}

// Section is the FUS or radio part of the manifest.
type Section struct {
	Version string
	Files   []File
}

// Select returns the files that apply to the installed version.
func (s Section) Select(installed string) []File {
	var out []File
	for _, f := range s.Files {
		if f.Condition.Matches(installed) {
			out = append(out, f)
		}
	}
	return out
}

// Radio is a parsed radio manifest.
type Radio struct {
	Header Header
	FUS    Section
	Radio  Section
}

type rawVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Sub   int `json:"sub"`
}

type rawFile struct {
	Name      string `json:"name"`
	SHA256    string `json:"sha256"`
	Condition string `json:"condition"`
	Address   string `json:"address"`
}

type rawSection struct {
	Version *rawVersion `json:"version"`
	Files   []rawFile   `json:"files"`
}

type rawManifest struct {
	Manifest *struct {
		Version   int   `json:"version"`
		Timestamp int64 `json:"timestamp"`
	} `json:"manifest"`
	Copro *struct {
		FUS   rawSection `json:"fus"`
		Radio rawSection `json:"radio"`
	} `json:"copro"`
}

func invalid(message string, err error) error {
	return services.Wrap(services.ErrData, "manifest", "parse radio manifest", message, err)
}

// Parse decodes a radio manifest document.
func Parse(data []byte) (*Radio, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, invalid("", err)
	}
	if raw.Manifest == nil {
		return nil, invalid("missing manifest header", nil)
	}
	if raw.Copro == nil {
		return nil, invalid("missing copro section", nil)
	}
	fus, err := parseSection("fus", raw.Copro.FUS)
	if err != nil {
		return nil, err
	}
	radio, err := parseSection("radio", raw.Copro.Radio)
	if err != nil {
		return nil, err
	}
	return &Radio{
		Header: Header{
			Version:   raw.Manifest.Version,
			Timestamp: time.Unix(raw.Manifest.Timestamp, 0).UTC(),
		},
		FUS:   fus,
		Radio: radio,
	}, nil
}

func parseSection(name string, raw rawSection) (Section, error) {
	if raw.Version == nil {
		return Section{}, invalid(name+": missing version", nil)
	}
	section := Section{
		Version: fmt.Sprintf("%d.%d.%d", raw.Version.Major, raw.Version.Minor, raw.Version.Sub),
	}
	for i, f := range raw.Files {
		if f.Name == "" {
			return Section{}, invalid(fmt.Sprintf("%s: file %d has no name", name, i), nil)
		}
		sum, err := hex.DecodeString(f.SHA256)
		if err != nil || len(sum) != sha256.Size {
			return Section{}, invalid(fmt.Sprintf("%s: %s: bad sha256", name, f.Name), err)
		}
		addr, err := strconv.ParseUint(strings.TrimSpace(f.Address), 0, 32)
		if err != nil {
			return Section{}, invalid(fmt.Sprintf("%s: %s: bad address %q", name, f.Name, f.Address), err)
		}
		section.Files = append(section.Files, File{
			Name:      f.Name,
			SHA256:    sum,
			Condition: ParseCondition(f.Condition),
			Address:   uint32(addr),
		})
	}
	sort.SliceStable(section.Files, func(i, j int) bool { return section.Files[i].Name < section.Files[j].Name })
	return section, nil
}
