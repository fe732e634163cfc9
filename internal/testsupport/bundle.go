package testsupport

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"zeroflash/internal/archive"
	"zeroflash/internal/dfu"
)

// RadioImage is one image listed in a generated radio manifest.
type RadioImage struct {
	Section   string
	Name      string
	Data      []byte
	Address   uint32
	Condition string
}

// BundleSpec describes an update bundle to generate.
type BundleSpec struct {
	Version      string
	Branch       string
	Commit       string
	Date         string
	Firmware     *dfu.File
	RadioVersion string
	Radio        []RadioImage
	Resources    map[string][]byte
}

// WriteBundle lays out an update bundle under dir and returns dir.
func WriteBundle(t testing.TB, dir string, spec BundleSpec) string {
	t.Helper()
	if spec.Version == "" {
		spec.Version = "1.0.0"
	}
	if spec.Branch == "" {
		spec.Branch = "release"
	}
	meta := fmt.Sprintf("version = %q\nbranch = %q\ncommit = %q\n", spec.Version, spec.Branch, spec.Commit)
	if spec.Date != "" {
		meta += fmt.Sprintf("date = %q\n", spec.Date)
	}
	writeBytes(t, filepath.Join(dir, "bundle.toml"), []byte(meta))

	if spec.Firmware != nil {
		writeBytes(t, filepath.Join(dir, "firmware.dfu"), spec.Firmware.Marshal())
	}
	if len(spec.Radio) > 0 {
		writeBytes(t, filepath.Join(dir, "radio", "Manifest.json"), radioManifest(t, spec))
		for _, img := range spec.Radio {
			writeBytes(t, filepath.Join(dir, "radio", img.Name), img.Data)
		}
	}
	if spec.Resources != nil {
		writeBytes(t, filepath.Join(dir, "resources.tar.gz"), Gzip(t, TarArchive(t, spec.Resources)))
	}
	return dir
}

// TarArchive builds a ustar archive holding files, with parent directories
// emitted before their contents.
func TarArchive(t testing.TB, files map[string][]byte) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := archive.NewWriter(&buf, time.Unix(1700000000, 0))
	for _, name := range names {
		if err := mkdirAll(w, path.Dir(name)); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
		if err := w.WriteFile(name, files[name]); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

func mkdirAll(w *archive.Writer, dir string) error {
	if dir == "." || dir == "/" || dir == "" {
		return nil
	}
	if err := mkdirAll(w, path.Dir(dir)); err != nil {
		return err
	}
	return w.Mkdir(dir)
}

// Gzip compresses data.
func Gzip(t testing.TB, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func radioManifest(t testing.TB, spec BundleSpec) []byte {
	t.Helper()
	version := func(v string) map[string]int {
		var major, minor, sub int
		if v != "" {
			if _, err := fmt.Sscanf(v, "%d.%d.%d", &major, &minor, &sub); err != nil {
				t.Fatalf("radio version %q: %v", v, err)
			}
		}
		return map[string]int{"major": major, "minor": minor, "sub": sub}
	}
	sections := map[string][]map[string]string{"fus": {}, "radio": {}}
	for _, img := range spec.Radio {
		sum := sha256.Sum256(img.Data)
		section := img.Section
		if section == "" {
			section = "radio"
		}
		sections[section] = append(sections[section], map[string]string{
			"name":      img.Name,
			"sha256":    hex.EncodeToString(sum[:]),
			"condition": img.Condition,
			"address":   fmt.Sprintf("0x%08x", img.Address),
		})
	}
	doc := map[string]any{
		"manifest": map[string]any{"version": 1, "timestamp": 1700000000},
		"copro": map[string]any{
			"fus":   map[string]any{"version": version("1.2.0"), "files": sections["fus"]},
			"radio": map[string]any{"version": version(spec.RadioVersion), "files": sections["radio"]},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return raw
}

func writeBytes(t testing.TB, target string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", target, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", target, err)
	}
}
