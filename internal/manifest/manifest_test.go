package manifest_test

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"zeroflash/internal/manifest"
	"zeroflash/internal/services"
)

func document(sum string) string {
	return fmt.Sprintf(`{
  "manifest": {"version": 1, "timestamp": 1646732226},
  "copro": {
    "fus": {
      "version": {"major": 1, "minor": 2, "sub": 0},
      "files": [
        {"name": "stm32wb5x_FUS_fw.bin", "sha256": %q, "condition": ">1.1.2", "address": "0x080EC000"},
        {"name": "stm32wb5x_FUS_fw_for_fus_0_5_3.bin", "sha256": %q, "condition": "=0.5.3", "address": "0x080EC000"}
      ]
    },
    "radio": {
      "version": {"major": 1, "minor": 13, "sub": 3},
      "files": [
        {"name": "stm32wb5x_BLE_Stack_light_fw.bin", "sha256": %q, "address": "0x080CA000"}
      ]
    }
  }
}`, sum, sum, sum)
}

func TestParseRadioManifest(t *testing.T) {
	payload := []byte("radio image")
	sum := sha256.Sum256(payload)
	m, err := manifest.Parse([]byte(document(hex.EncodeToString(sum[:]))))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Header.Version != 1 || m.Header.Timestamp.Unix() != 1646732226 {
		t.Fatalf("unexpected header %+v", m.Header)
	}
	if m.FUS.Version != "1.2.0" || m.Radio.Version != "1.13.3" {
		t.Fatalf("unexpected versions fus=%s radio=%s", m.FUS.Version, m.Radio.Version)
	}
	radio := m.Radio.Files[0]
	if radio.Address != 0x080CA000 || radio.Condition.Type != manifest.ConditionUnknown {
		t.Fatalf("unexpected radio file %+v", radio)
	}
	if err := radio.Verify(payload); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := radio.Verify([]byte("tampered")); services.KindOf(err) != services.KindData {
		t.Fatalf("expected data error for tampered image, got %v", err)
	}

	if got := m.FUS.Select("0.5.3"); len(got) != 1 || got[0].Name != "stm32wb5x_FUS_fw_for_fus_0_5_3.bin" {
		t.Fatalf("unexpected FUS selection for 0.5.3: %+v", got)
	}
	if got := m.FUS.Select("1.1.3"); len(got) != 1 || got[0].Name != "stm32wb5x_FUS_fw.bin" {
		t.Fatalf("unexpected FUS selection for 1.1.3: %+v", got)
	}
	if got := m.FUS.Select("1.1.2"); len(got) != 0 {
		t.Fatalf("expected nothing for 1.1.2, got %+v", got)
	}
}

func TestConditions(t *testing.T) {
	tests := []struct {
		text      string
		installed string
		want      bool
	}{
		{"=1.2.0", "1.2.0", true},
		{"=1.2.0", "1.2.1", false},
		{">1.2.0", "1.10.0", true},
		{">1.2.0", "1.2.0", false},
		{"", "0.0.1", true},
		{"~1.0.0", "9.9.9", true},
		{">1.0.0", "garbage", false},
	}
	for _, tc := range tests {
		if got := manifest.ParseCondition(tc.text).Matches(tc.installed); got != tc.want {
			t.Errorf("%q matches %q = %v, want %v", tc.text, tc.installed, got, tc.want)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"json":    `{`,
		"header":  `{"copro": {}}`,
		"copro":   `{"manifest": {"version": 1}}`,
		"version": `{"manifest": {"version": 1}, "copro": {"fus": {"files": []}, "radio": {"version": {}}}}`,
		"sha":     document("abc"),
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := manifest.Parse([]byte(doc)); services.KindOf(err) != services.KindData {
				t.Fatalf("expected data error, got %v", err)
			}
		})
	}
}
