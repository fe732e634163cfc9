package archive_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"zeroflash/internal/archive"
	"zeroflash/internal/services"
	"zeroflash/internal/testsupport"
)

type member struct {
	name string
	dir  bool
	size int
}

func build(t *testing.T, members []member) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := archive.NewWriter(&buf, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	for _, m := range members {
		var err error
		if m.dir {
			err = w.Mkdir(m.name)
		} else {
			err = w.WriteFile(m.name, testsupport.Pattern(m.size))
		}
		if err != nil {
			t.Fatalf("write %s: %v", m.name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return buf.Bytes()
}

func TestRoundTripPreservesEntries(t *testing.T) {
	members := []member{
		{name: "int", dir: true},
		{name: "int/.bt.settings", size: 0},
		{name: "int/.desktop.settings", size: 511},
		{name: "int/dolphin", dir: true},
		{name: "int/dolphin/state", size: 512},
		{name: "int/dolphin/log", size: 1300},
	}
	raw := build(t, members)
	if len(raw)%archive.BlockSize != 0 {
		t.Fatalf("archive length %d is not block aligned", len(raw))
	}

	ar, err := archive.Open(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	entries := ar.Entries()
	if len(entries) != len(members) {
		t.Fatalf("expected %d entries, got %d", len(members), len(entries))
	}
	for i, m := range members {
		e := entries[i]
		if e.Name != m.name || e.IsDir() != m.dir {
			t.Fatalf("entry %d: expected %s dir=%v, got %+v", i, m.name, m.dir, e)
		}
		if m.dir {
			continue
		}
		if e.Size != int64(m.size) || e.Offset%archive.BlockSize != 0 {
			t.Fatalf("entry %d: bad size or offset %+v", i, e)
		}
		data, err := ar.ReadFile(m.name)
		if err != nil {
			t.Fatalf("read %s: %v", m.name, err)
		}
		if !bytes.Equal(data, testsupport.Pattern(m.size)) && m.size > 0 {
			t.Fatalf("%s: payload mismatch", m.name)
		}
		pad := raw[e.Offset+e.Size : e.Offset+e.Size+archive.Padding(e.Size)]
		if !bytes.Equal(pad, make([]byte, len(pad))) {
			t.Fatalf("%s: padding is not zero", m.name)
		}
	}
	if dirs := ar.Dirs(); len(dirs) != 2 || dirs[0] != "int" || dirs[1] != "int/dolphin" {
		t.Fatalf("unexpected dirs %v", dirs)
	}
}

func TestPadding(t *testing.T) {
	tests := map[int64]int64{0: 0, 1: 511, 511: 1, 512: 0, 513: 511, 1024: 0}
	for size, want := range tests {
		if got := archive.Padding(size); got != want {
			t.Errorf("Padding(%d) = %d, want %d", size, got, want)
		}
	}
}

func TestOpenRejectsMalformedArchives(t *testing.T) {
	good := build(t, []member{{name: "a", size: 700}})
	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"magic", func(b []byte) []byte { copy(b[257:], "xxxxx"); return b }},
		{"type", func(b []byte) []byte { b[156] = '2'; return b }},
		{"short header", func(b []byte) []byte { return b[:300] }},
		{"payload", func(b []byte) []byte { return b[:1024] }},
		{"size", func(b []byte) []byte { copy(b[124:], "zzzzzzzzzzz"); return b }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := tc.mutate(append([]byte(nil), good...))
			_, err := archive.Open(bytes.NewReader(raw), int64(len(raw)))
			if services.KindOf(err) != services.KindData {
				t.Fatalf("expected data error, got %v", err)
			}
		})
	}
}

func TestEndsAtDoubleZeroBlock(t *testing.T) {
	raw := build(t, []member{{name: "a", size: 10}})
	raw = append(raw, bytes.Repeat([]byte{0xEE}, archive.BlockSize)...)
	ar, err := archive.Open(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(ar.Entries()) != 1 {
		t.Fatalf("expected data after the terminator to be ignored, got %v", ar.Entries())
	}
}

func TestLookupMissing(t *testing.T) {
	raw := build(t, []member{{name: "d", dir: true}})
	ar, err := archive.Open(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := ar.ReadFile("nope"); !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := ar.ReadFile("d"); services.KindOf(err) != services.KindData {
		t.Fatalf("expected data error reading a directory, got %v", err)
	}
}
