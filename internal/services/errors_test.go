package services_test

import (
	"errors"
	"strings"
	"testing"

	"zeroflash/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrInvalidDevice, "rpc", "device info", "missing hardware_name", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrInvalidDevice) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"rpc", "device info", "missing hardware_name"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapNilMarkerDefaultsToUnknown(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrUnknown) {
		t.Fatalf("expected unknown marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "device failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestKindOfMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want services.Kind
	}{
		{"nil", nil, services.KindNone},
		{"invalid device", services.Wrap(services.ErrInvalidDevice, "rpc", "ping", "bad", nil), services.KindInvalidDevice},
		{"disk", services.Wrap(services.ErrDisk, "backup", "write", "denied", nil), services.KindDisk},
		{"data", services.Wrap(services.ErrData, "archive", "open", "magic", nil), services.KindData},
		{"recovery", services.Wrap(services.ErrRecoveryAccess, "dfu", "erase", "stall", nil), services.KindRecoveryAccess},
		{"plain", errors.New("x"), services.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAnnotatePreservesKind(t *testing.T) {
	child := services.Wrap(services.ErrRecoveryAccess, "dfu", "write", "stall", nil)
	err := services.Annotate(child, "installing firmware")
	if services.KindOf(err) != services.KindRecoveryAccess {
		t.Fatalf("expected kind preserved, got %q", services.KindOf(err))
	}
	if !strings.HasPrefix(err.Error(), "installing firmware: ") {
		t.Fatalf("expected context prefix, got %q", err.Error())
	}
	if services.Annotate(nil, "x") != nil {
		t.Fatal("expected nil passthrough")
	}
	if services.Annotate(child, " ") != child {
		t.Fatal("expected blank context to return original error")
	}
}

func TestTimeoutCarriesKindMarker(t *testing.T) {
	err := services.Wrap(services.ErrInvalidDevice, "rpc", "ping", "no reply", services.ErrTimeout)
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatal("expected timeout marker to survive wrapping")
	}
	if services.KindOf(err) != services.KindInvalidDevice {
		t.Fatalf("unexpected kind %q", services.KindOf(err))
	}
}

func TestKindMarkerRoundTrip(t *testing.T) {
	for _, kind := range []services.Kind{
		services.KindInvalidDevice,
		services.KindDisk,
		services.KindData,
		services.KindRecoveryAccess,
		services.KindUnknown,
	} {
		if got := services.KindOf(kind.Marker()); got != kind {
			t.Fatalf("KindOf(%q.Marker()) = %q", kind, got)
		}
	}
	if services.KindNone.Marker() != nil {
		t.Fatal("expected no marker for KindNone")
	}
}
