package dfu_test

import (
	"testing"

	"zeroflash/internal/dfu"
	"zeroflash/internal/services"
)

func TestFactoryInfoRoundTrip(t *testing.T) {
	raw, err := factory.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	info, err := dfu.ParseFactoryInfo(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info != factory {
		t.Fatalf("expected %+v, got %+v", factory, info)
	}
	if info.RegionName() != "world" || info.Target() != "f7" {
		t.Fatalf("unexpected region %s target %s", info.RegionName(), info.Target())
	}
}

func TestFactoryInfoRejectsBlankBlock(t *testing.T) {
	blank := make([]byte, dfu.OTPSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	if _, err := dfu.ParseFactoryInfo(blank); services.KindOf(err) != services.KindData {
		t.Fatalf("expected data error for blank block, got %v", err)
	}
	if _, err := dfu.ParseFactoryInfo(blank[:4]); services.KindOf(err) != services.KindData {
		t.Fatalf("expected data error for short block, got %v", err)
	}
}

func TestFactoryInfoNameLimit(t *testing.T) {
	fits := factory
	fits.Name = "Rigel428"
	raw, err := fits.Marshal()
	if err != nil {
		t.Fatalf("marshal eight-byte name: %v", err)
	}
	info, err := dfu.ParseFactoryInfo(raw)
	if err != nil || info.Name != "Rigel428" {
		t.Fatalf("round trip lost the name: %+v %v", info, err)
	}

	long := factory
	long.Name = "Rigel4280"
	if _, err := long.Marshal(); services.KindOf(err) != services.KindData {
		t.Fatalf("expected data error for a nine-byte name, got %v", err)
	}
}
