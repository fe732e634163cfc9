package main

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"zeroflash/internal/device"
	"zeroflash/internal/history"
	"zeroflash/internal/preflight"
)

func TestHistoryTableShortensCells(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	finished := started.Add(42 * time.Second)
	records := []history.Record{{
		CorrelationID: "3f9c2a7e-51d4-4b7a-9e0f-0a1b2c3d4e5f",
		Operation:     "wireless_stack_update",
		DeviceSerial:  "0123456789ABCDEF0123",
		Status:        history.StatusFailed,
		ErrorKind:     "recovery_access_error",
		Stage:         "upgrading stm32wb5x_BLE_Stack_full_fw.bin",
		StartedAt:     started,
		FinishedAt:    &finished,
	}}
	out := renderTable(historyColumns, historyRows(records))
	if !strings.Contains(out, "3f9c2a7…") {
		t.Fatalf("id not shortened: %q", out)
	}
	if strings.Contains(out, "stm32wb5x_BLE_Stack_full_fw.bin") {
		t.Fatalf("stage not shortened: %q", out)
	}
	if !strings.Contains(out, "42s") {
		t.Fatalf("missing duration: %q", out)
	}
}

func TestTableMarksMissingValues(t *testing.T) {
	out := renderTable([]column{{title: "Serial"}, {title: "Product"}}, [][]string{{"ABC123"}})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := lines[len(lines)-1]
	if !strings.Contains(last, "ABC123") || !strings.Contains(last, emptyCell) {
		t.Fatalf("unexpected row %q", last)
	}
	if renderTable(nil, nil) != "" {
		t.Fatal("expected no output without columns")
	}
}

func TestJSONListNeverNull(t *testing.T) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	if err := writeJSONList[device.USBInfo](cmd, nil); err != nil {
		t.Fatalf("writeJSONList: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Fatalf("unexpected output %q", buf.String())
	}

	buf.Reset()
	if err := writeJSON(cmd, map[string]string{"path": "/ext/<apps>&more"}); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}
	if !strings.Contains(buf.String(), "/ext/<apps>&more") {
		t.Fatalf("path escaped: %q", buf.String())
	}
}

func TestStatusKinds(t *testing.T) {
	if checkKind(preflight.Result{Passed: true}) != statusOK || checkKind(preflight.Result{}) != statusWarn {
		t.Fatal("unexpected check kinds")
	}
	line := renderStatusLine("Mode", statusWarn, "recovery", false)
	if !strings.Contains(line, "[WARN] recovery") {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestColorDisabledByEnvironment(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	if shouldColorize(os.Stdout) {
		t.Fatal("color enabled despite NO_COLOR")
	}
	var buf bytes.Buffer
	writeSection(&buf, "Storage", false, false)
	if buf.String() != "\nSTORAGE\n" {
		t.Fatalf("unexpected section %q", buf.String())
	}
}
