package updates

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pelletier/go-toml/v2"

	"zeroflash/internal/archive"
	"zeroflash/internal/dfu"
	"zeroflash/internal/manifest"
	"zeroflash/internal/services"
)

// Bundle layout.
const (
	MetadataFile      = "bundle.toml"
	FirmwareFile      = "firmware.dfu"
	RadioDir          = "radio"
	RadioManifestFile = "Manifest.json"
	ResourcesFile     = "resources.tar.gz"
)

const component = "updates"

type metadata struct {
	Version string `toml:"version"`
	Commit  string `toml:"commit"`
	Branch  string `toml:"branch"`
	Channel string `toml:"channel"`
	Date    string `toml:"date"`
	Target  int    `toml:"target"`
}

// Bundle is an unpacked update: firmware image, radio images with their
// manifest, and the resources tarball for external storage.
type Bundle struct {
	Dir     string
	Version Version
	Target  int
}

func diskError(op string, err error) error {
	return services.Wrap(services.ErrDisk, component, op, "", err)
}

func dataError(op, message string, err error) error {
	return services.Wrap(services.ErrData, component, op, message, err)
}

// LoadBundle reads the bundle metadata. Payloads are read on demand.
func LoadBundle(dir string) (*Bundle, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, diskError("load bundle", err)
	}
	raw, err := os.ReadFile(filepath.Join(abs, MetadataFile))
	if err != nil {
		return nil, diskError("load bundle", err)
	}
	var meta metadata
	if err := toml.Unmarshal(raw, &meta); err != nil {
		return nil, dataError("load bundle", MetadataFile, err)
	}
	if strings.TrimSpace(meta.Version) == "" {
		return nil, dataError("load bundle", "version is missing", nil)
	}

	version := Version{
		Version: meta.Version,
		Commit:  meta.Commit,
		Branch:  meta.Branch,
		Channel: ChannelForBranch(meta.Branch),
	}
	if meta.Channel != "" {
		ch, err := ParseChannel(meta.Channel)
		if err != nil {
			return nil, dataError("load bundle", "channel", err)
		}
		version.Channel = ch
	}
	if meta.Date != "" {
		date, ok := ParseBuildDate(meta.Date)
		if !ok {
			return nil, dataError("load bundle", fmt.Sprintf("date %q is not dd-mm-yyyy", meta.Date), nil)
		}
		version.Date = date
	}

	return &Bundle{Dir: abs, Version: version, Target: meta.Target}, nil
}

func (b *Bundle) path(elem ...string) string {
	return filepath.Join(append([]string{b.Dir}, elem...)...)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// HasFirmware reports whether the bundle carries a firmware image.
func (b *Bundle) HasFirmware() bool { return exists(b.path(FirmwareFile)) }

// HasRadio reports whether the bundle carries radio images.
func (b *Bundle) HasRadio() bool { return exists(b.path(RadioDir, RadioManifestFile)) }

// HasResources reports whether the bundle carries a resources tarball.
func (b *Bundle) HasResources() bool { return exists(b.path(ResourcesFile)) }

// Firmware parses the firmware image.
func (b *Bundle) Firmware() (*dfu.File, error) {
	return LoadFirmware(b.path(FirmwareFile))
}

// LoadFirmware reads and parses a DfuSe firmware file.
func LoadFirmware(path string) (*dfu.File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, diskError("load firmware", err)
	}
	image, err := dfu.ParseFile(raw)
	if err != nil {
		return nil, services.Annotate(err, filepath.Base(path))
	}
	return image, nil
}

// RadioManifest parses the radio manifest.
func (b *Bundle) RadioManifest() (*manifest.Radio, error) {
	raw, err := os.ReadFile(b.path(RadioDir, RadioManifestFile))
	if err != nil {
		return nil, diskError("load radio manifest", err)
	}
	return manifest.Parse(raw)
}

// RadioImage reads one radio image and checks it against its manifest entry.
func (b *Bundle) RadioImage(f manifest.File) ([]byte, error) {
	name := filepath.Clean(f.Name)
	if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
		return nil, dataError("load radio image", fmt.Sprintf("path %q escapes the bundle", f.Name), nil)
	}
	data, err := os.ReadFile(b.path(RadioDir, name))
	if err != nil {
		return nil, diskError("load radio image", err)
	}
	if err := f.Verify(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Resources decompresses the resources tarball and indexes it.
func (b *Bundle) Resources() (*archive.Reader, error) {
	return LoadResources(b.path(ResourcesFile))
}

// LoadResources decompresses a gzip'd tar archive into memory and indexes it.
func LoadResources(path string) (*archive.Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, diskError("load resources", err)
	}
	defer file.Close()

	zr, err := gzip.NewReader(file)
	if err != nil {
		return nil, dataError("load resources", "gzip header", err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, dataError("load resources", "gzip stream", err)
	}
	data := buf.Bytes()
	return archive.Open(bytes.NewReader(data), int64(len(data)))
}
