package toplevel_test

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"testing"
	"time"

	"zeroflash/internal/archive"
	"zeroflash/internal/device"
	"zeroflash/internal/dfu"
	"zeroflash/internal/rpc"
	"zeroflash/internal/services"
	"zeroflash/internal/testsupport"
	"zeroflash/internal/toplevel"
	"zeroflash/internal/updates"
)

func seedUserData(r *testsupport.Rig) map[string][]byte {
	files := map[string][]byte{
		"/int/.region_data":         []byte("us"),
		"/int/settings/desktop.set": testsupport.Pattern(700),
		"/int/settings/nfc/keys":    testsupport.Pattern(1300),
	}
	for p, data := range files {
		r.Device.PutFile(p, data)
	}
	return files
}

func checkUserData(t *testing.T, r *testsupport.Rig, want map[string][]byte) {
	t.Helper()
	for p, data := range want {
		got, ok := r.Device.File(p)
		if !ok {
			t.Fatalf("%s missing on device", p)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("%s differs after restore", p)
		}
	}
}

func firmwareImage(payload []byte) *dfu.File {
	return &dfu.File{
		VendorID:  device.VendorID,
		ProductID: device.ProductIDDFU,
		Targets: []dfu.Target{{
			Name:     "firmware",
			Elements: []dfu.Element{{Address: dfu.FlashBase, Data: payload}},
		}},
	}
}

func writeFirmware(t *testing.T, payload []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "firmware.dfu")
	if err := os.WriteFile(p, firmwareImage(payload).Marshal(), 0o644); err != nil {
		t.Fatalf("write firmware: %v", err)
	}
	return p
}

func loadBundle(t *testing.T, spec testsupport.BundleSpec) *updates.Bundle {
	t.Helper()
	dir := testsupport.WriteBundle(t, t.TempDir(), spec)
	bundle, err := updates.LoadBundle(dir)
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	return bundle
}

func archiveNames(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat archive: %v", err)
	}
	reader, err := archive.Open(f, info.Size())
	if err != nil {
		t.Fatalf("parse archive: %v", err)
	}
	var names []string
	for _, entry := range reader.Entries() {
		names = append(names, entry.Name)
	}
	sort.Strings(names)
	return names
}

func checkNormalAndConnected(t *testing.T, r *testsupport.Rig) {
	t.Helper()
	if mode := r.State.Info().Mode(); mode != device.ModeNormal {
		t.Fatalf("expected normal mode, got %s", mode)
	}
	var up bool
	testsupport.OnLoop(t, r.Loop, func() { up = r.Link.SessionUp() })
	if !up {
		t.Fatal("expected session up")
	}
	if r.State.Info().Port != testsupport.RigPort {
		t.Fatalf("expected port %s, got %q", testsupport.RigPort, r.State.Info().Port)
	}
}

func TestUserBackupAndRestore(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeNormal)
	files := seedUserData(r)
	target := filepath.Join(t.TempDir(), "nested", "backup.tar")

	if err := testsupport.Run(t, r.Loop, toplevel.UserBackup(r.Link, target)); err != nil {
		t.Fatalf("backup: %v", err)
	}
	want := []string{".region_data", "settings", "settings/desktop.set", "settings/nfc", "settings/nfc/keys"}
	got := archiveNames(t, target)
	if len(got) != len(want) {
		t.Fatalf("archive holds %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("archive holds %v, want %v", got, want)
		}
	}

	r.Device.Lock()
	for p := range r.Device.Files {
		delete(r.Device.Files, p)
	}
	delete(r.Device.Dirs, "/int/settings/nfc")
	delete(r.Device.Dirs, "/int/settings")
	r.Device.Unlock()

	if err := testsupport.Run(t, r.Loop, toplevel.UserRestore(r.Link, target)); err != nil {
		t.Fatalf("restore: %v", err)
	}
	checkUserData(t, r, files)
}

func TestUserRestoreRejectsMissingArchive(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeNormal)
	err := testsupport.Run(t, r.Loop, toplevel.UserRestore(r.Link, filepath.Join(t.TempDir(), "none.tar")))
	if services.KindOf(err) != services.KindDisk {
		t.Fatalf("expected disk error, got %v", err)
	}
}

func TestStartAndExitRecovery(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeNormal)

	if err := testsupport.Run(t, r.Loop, toplevel.StartRecovery(r.Link)); err != nil {
		t.Fatalf("start recovery: %v", err)
	}
	if !r.State.Info().Recovery() {
		t.Fatalf("expected recovery mode, got %s", r.State.Info().Mode())
	}
	if !r.State.Persistent() {
		t.Fatal("expected persistent flag while switching modes")
	}
	if cmds := r.Device.CLICommands(); cmds[len(cmds)-1] != "dfu" {
		t.Fatalf("expected bootloader command, got %v", cmds)
	}

	if err := testsupport.Run(t, r.Loop, toplevel.ExitRecovery(r.Link)); err != nil {
		t.Fatalf("exit recovery: %v", err)
	}
	if !r.DFU.Left {
		t.Fatal("bootloader was not left")
	}
	checkNormalAndConnected(t, r)
}

func TestRestartReconnects(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeNormal)
	if err := testsupport.Run(t, r.Loop, toplevel.Restart(r.Link)); err != nil {
		t.Fatalf("restart: %v", err)
	}
	r.Device.Lock()
	reboots := append([]rpc.RebootMode(nil), r.Device.Reboots...)
	r.Device.Unlock()
	if len(reboots) != 1 || reboots[0] != rpc.RebootOS {
		t.Fatalf("expected one reboot, got %v", reboots)
	}
	checkNormalAndConnected(t, r)
}

func TestFirmwareInstallPreservesUserData(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeNormal)
	files := seedUserData(r)
	payload := testsupport.Pattern(6000)
	image := writeFirmware(t, payload)

	seq := toplevel.FirmwareInstall(r.Link, image)
	var stages []string
	seq.OnStage(func(_ int, name string) { stages = append(stages, name) })

	// Reflashing wipes internal storage; only the restore brings it back.
	r.DFU.OnLeave = func() {
		r.Device.Lock()
		for p := range r.Device.Files {
			delete(r.Device.Files, p)
		}
		r.Device.Unlock()
		r.Bus.SetMode(testsupport.RigSerial, device.ModeNormal)
	}
	if err := testsupport.Run(t, r.Loop, seq); err != nil {
		t.Fatalf("install: %v", err)
	}
	if got := r.DFU.Memory(dfu.FlashBase, len(payload)); !bytes.Equal(got, payload) {
		t.Fatal("firmware not written to flash")
	}
	checkUserData(t, r, files)
	checkNormalAndConnected(t, r)

	want := []string{
		toplevel.StageLoading, toplevel.StageSavingBackup, toplevel.StageStartingRecovery,
		toplevel.StageInstallingFirmware, toplevel.StageExitingRecovery, toplevel.StageRestoringBackup,
		toplevel.StageRestartingDevice, toplevel.StageCleaningUp,
	}
	if len(stages) != len(want) {
		t.Fatalf("stages %v, want %v", stages, want)
	}
	leftovers, err := filepath.Glob(filepath.Join(r.WorkDir, "*.tar"))
	if err != nil || len(leftovers) != 0 {
		t.Fatalf("temporary backup left behind: %v %v", leftovers, err)
	}
	if snap := r.State.Snapshot(); snap.Progress < 100 {
		t.Fatalf("expected flash progress to reach 100, got %.1f", snap.Progress)
	}
}

func TestFirmwareInstallFromRecoverySkipsBackup(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeRecovery)
	payload := testsupport.Pattern(3000)

	if err := testsupport.Run(t, r.Loop, toplevel.FirmwareInstall(r.Link, writeFirmware(t, payload))); err != nil {
		t.Fatalf("install: %v", err)
	}
	if got := r.DFU.Memory(dfu.FlashBase, len(payload)); !bytes.Equal(got, payload) {
		t.Fatal("firmware not written to flash")
	}
	for _, kind := range r.Device.RequestKinds() {
		if kind == rpc.KindStorageListRequest {
			t.Fatal("backup ran for a device in recovery")
		}
	}
	checkNormalAndConnected(t, r)
}

func TestFirmwareInstallBadImageTouchesNothing(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeNormal)
	bad := filepath.Join(t.TempDir(), "bad.dfu")
	if err := os.WriteFile(bad, []byte("not a dfu file at all"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := testsupport.Run(t, r.Loop, toplevel.FirmwareInstall(r.Link, bad))
	if services.KindOf(err) != services.KindData {
		t.Fatalf("expected data error, got %v", err)
	}
	if r.Bus.Mode(testsupport.RigSerial) != device.ModeNormal {
		t.Fatal("device left normal mode after load failure")
	}
	if opens, _, _, _ := r.DFU.Counters(); opens != 0 {
		t.Fatalf("bootloader opened %d times", opens)
	}
}

func TestFullUpdateInstallsAssets(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeNormal)
	files := seedUserData(r)
	r.Device.PutFile("/ext/Manifest", []byte("old"))
	payload := testsupport.Pattern(4096)
	bundle := loadBundle(t, testsupport.BundleSpec{
		Version:  "1.1.0",
		Firmware: firmwareImage(payload),
		Resources: map[string][]byte{
			"Manifest":          []byte("V:0\nT:1700000000\n"),
			"dolphin/L1.bm":     testsupport.Pattern(900),
			"infrared/tv.ir":    []byte("Filetype: IR library file"),
			"subghz/keeloq.txt": testsupport.Pattern(40),
		},
	})

	if err := testsupport.Run(t, r.Loop, toplevel.FullUpdate(r.Link, bundle)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := r.DFU.Memory(dfu.FlashBase, len(payload)); !bytes.Equal(got, payload) {
		t.Fatal("firmware not written")
	}
	manifest, ok := r.Device.File("/ext/Manifest")
	if !ok || string(manifest) != "V:0\nT:1700000000\n" {
		t.Fatalf("manifest not replaced: %q", manifest)
	}
	if _, ok := r.Device.File("/ext/dolphin/L1.bm"); !ok {
		t.Fatal("assets not written")
	}
	if !r.State.Info().Storage.AssetsInstalled {
		t.Fatal("expected assets installed")
	}
	checkUserData(t, r, files)
	checkNormalAndConnected(t, r)
}

func TestAssetsDownloadWithoutCard(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeNormal)
	r.Device.Lock()
	delete(r.Device.Storage, "/ext")
	r.Device.Unlock()
	bundle := loadBundle(t, testsupport.BundleSpec{Resources: map[string][]byte{"Manifest": []byte("V:0")}})

	if err := testsupport.Run(t, r.Loop, toplevel.AssetsDownload(r.Link, bundle)); err != nil {
		t.Fatalf("assets: %v", err)
	}
	if r.State.Info().Storage.ExternalPresent {
		t.Fatal("expected external storage marked absent")
	}
	if _, ok := r.Device.File("/ext/Manifest"); ok {
		t.Fatal("assets written without a card")
	}
}

func TestFullRepairRequiresRecovery(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeNormal)
	bundle := loadBundle(t, testsupport.BundleSpec{Firmware: firmwareImage(testsupport.Pattern(100))})
	err := testsupport.Run(t, r.Loop, toplevel.FullRepair(r.Link, bundle))
	if services.KindOf(err) != services.KindInvalidDevice {
		t.Fatalf("expected invalid device, got %v", err)
	}
}

func TestFullRepairFromRecovery(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeRecovery)
	payload := testsupport.Pattern(2048)
	bundle := loadBundle(t, testsupport.BundleSpec{
		Firmware:  firmwareImage(payload),
		Resources: map[string][]byte{"Manifest": []byte("V:0"), "apps/clock.fap": testsupport.Pattern(64)},
	})
	if err := testsupport.Run(t, r.Loop, toplevel.FullRepair(r.Link, bundle)); err != nil {
		t.Fatalf("repair: %v", err)
	}
	if got := r.DFU.Memory(dfu.FlashBase, len(payload)); !bytes.Equal(got, payload) {
		t.Fatal("firmware not written")
	}
	if _, ok := r.Device.File("/ext/apps/clock.fap"); !ok {
		t.Fatal("assets not installed")
	}
	info := r.State.Info()
	if !info.Storage.ExternalPresent || !info.Storage.AssetsInstalled {
		t.Fatalf("unexpected storage status %+v", info.Storage)
	}
	checkNormalAndConnected(t, r)
}

func TestWirelessStackUpdate(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeNormal)
	fus := testsupport.Pattern(1500)
	stack := testsupport.Pattern(9000)
	bundle := loadBundle(t, testsupport.BundleSpec{
		RadioVersion: "1.18.0",
		Radio: []testsupport.RadioImage{
			{Section: "fus", Name: "fus_for_1_2_0.bin", Data: fus, Address: dfu.FlashBase + 0xD0000, Condition: "=1.2.0"},
			{Section: "fus", Name: "fus_for_1_0_0.bin", Data: testsupport.Pattern(10), Address: dfu.FlashBase + 0xC0000, Condition: "=1.0.0"},
			{Section: "radio", Name: "stm32wb5x_BLE_Stack_light_fw.bin", Data: stack, Address: dfu.FlashBase + 0xE0000},
		},
	})

	seq := toplevel.WirelessStackUpdate(r.Link, bundle)
	var stages []string
	seq.OnStage(func(_ int, name string) { stages = append(stages, name) })
	if err := testsupport.Run(t, r.Loop, seq); err != nil {
		t.Fatalf("radio update: %v", err)
	}
	order := []string{
		"setting boot mode",
		toplevel.StageStartingFUS,
		toplevel.StageCheckingFUS,
		toplevel.StageErasingRadio,
		toplevel.StageInstallingRadio,
		"restoring boot mode",
	}
	at := 0
	for _, name := range stages {
		if at < len(order) && name == order[at] {
			at++
		}
	}
	if at != len(order) {
		t.Fatalf("stages %v missing %q in order", stages, order[at])
	}
	if got := r.DFU.FUSRequests; len(got) < 3 || !slices.Equal(got[:3], []string{"state", "state", "state"}) {
		t.Fatalf("fus not started and checked before use: %v", got)
	}
	var commands []string
	for _, req := range r.DFU.FUSRequests {
		if req != "state" {
			commands = append(commands, req)
		}
	}
	if !slices.Equal(commands, []string{"delete", "upgrade", "upgrade"}) {
		t.Fatalf("unexpected fus commands %v", commands)
	}
	if got := r.DFU.Memory(dfu.FlashBase+0xD0000, len(fus)); !bytes.Equal(got, fus) {
		t.Fatal("fus image not written")
	}
	if got := r.DFU.Memory(dfu.FlashBase+0xE0000, len(stack)); !bytes.Equal(got, stack) {
		t.Fatal("radio stack not written")
	}
	if got := r.DFU.Memory(dfu.FlashBase+0xC0000, 10); bytes.Equal(got, testsupport.Pattern(10)) {
		t.Fatal("fus image for another version was written")
	}
	if optr := r.DFU.OPTR(); optr != testsupport.DefaultOPTR {
		t.Fatalf("boot mode not restored: 0x%08x", optr)
	}
	checkNormalAndConnected(t, r)
}

func TestWirelessStackUpdateFUSError(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeNormal)
	r.DFU.FUSUpgradeError = 0x12
	bundle := loadBundle(t, testsupport.BundleSpec{
		RadioVersion: "1.18.0",
		Radio: []testsupport.RadioImage{
			{Section: "radio", Name: "stack.bin", Data: testsupport.Pattern(300), Address: dfu.FlashBase + 0xE0000},
		},
	})
	err := testsupport.Run(t, r.Loop, toplevel.WirelessStackUpdate(r.Link, bundle))
	if services.KindOf(err) != services.KindRecoveryAccess {
		t.Fatalf("expected recovery access error, got %v", err)
	}
	if !slices.Contains(r.DFU.FUSRequests, "upgrade") {
		t.Fatalf("upgrade never requested: %v", r.DFU.FUSRequests)
	}
}

func TestWirelessStackUpdateRejectsCorruptImage(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeNormal)
	dir := testsupport.WriteBundle(t, t.TempDir(), testsupport.BundleSpec{
		RadioVersion: "1.18.0",
		Radio: []testsupport.RadioImage{
			{Name: "stack.bin", Data: testsupport.Pattern(100), Address: dfu.FlashBase + 0xE0000},
		},
	})
	if err := os.WriteFile(filepath.Join(dir, "radio", "stack.bin"), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	bundle, err := updates.LoadBundle(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	err = testsupport.Run(t, r.Loop, toplevel.WirelessStackUpdate(r.Link, bundle))
	if services.KindOf(err) != services.KindData {
		t.Fatalf("expected data error, got %v", err)
	}
	if r.Bus.Mode(testsupport.RigSerial) != device.ModeNormal {
		t.Fatal("device entered recovery despite a corrupt image")
	}
}

func TestSettingsBackupAndRestore(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeNormal)
	files := seedUserData(r)
	dir := t.TempDir()

	if err := testsupport.Run(t, r.Loop, toplevel.SettingsBackup(r.Link, dir)); err != nil {
		t.Fatalf("backup: %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, testsupport.RigName+"_*.tar"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one backup archive, got %v %v", matches, err)
	}

	r.Device.Lock()
	r.Device.Files["/int/settings/desktop.set"] = []byte("changed")
	r.Device.Unlock()

	if err := testsupport.Run(t, r.Loop, toplevel.SettingsRestore(r.Link, dir)); err != nil {
		t.Fatalf("restore: %v", err)
	}
	checkUserData(t, r, files)
	checkNormalAndConnected(t, r)
}

func TestSettingsBackupRefusedInRecovery(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeRecovery)
	err := testsupport.Run(t, r.Loop, toplevel.SettingsBackup(r.Link, t.TempDir()))
	if services.KindOf(err) != services.KindInvalidDevice {
		t.Fatalf("expected invalid device, got %v", err)
	}
}

func TestFactoryReset(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeNormal)
	seedUserData(r)
	if err := testsupport.Run(t, r.Loop, toplevel.FactoryReset(r.Link)); err != nil {
		t.Fatalf("factory reset: %v", err)
	}
	r.Device.Lock()
	resets, remaining := r.Device.Resets, len(r.Device.Files)
	r.Device.Unlock()
	if resets != 1 || remaining != 0 {
		t.Fatalf("resets=%d files=%d", resets, remaining)
	}
	checkNormalAndConnected(t, r)
}

func TestFactoryResetRefusedInRecovery(t *testing.T) {
	r := testsupport.NewRig(t, device.ModeRecovery)
	err := testsupport.Run(t, r.Loop, toplevel.FactoryReset(r.Link))
	if services.KindOf(err) != services.KindInvalidDevice {
		t.Fatalf("expected invalid device, got %v", err)
	}
}

func TestResolveBackupPicksNewest(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "dev_20240101-000000.tar")
	newer := filepath.Join(dir, "dev_20240201-000000.tar")
	testsupport.WriteFile(t, older, 10)
	testsupport.WriteFile(t, newer, 10)
	testsupport.WriteFile(t, filepath.Join(dir, "notes.txt"), 10)
	now := time.Now()
	if err := os.Chtimes(older, now.Add(-time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Chtimes(newer, now, now); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	got, err := toplevel.ResolveBackup(dir)
	if err != nil || got != newer {
		t.Fatalf("ResolveBackup = %q, %v", got, err)
	}
	if got, err := toplevel.ResolveBackup(older); err != nil || got != older {
		t.Fatalf("file source resolved to %q, %v", got, err)
	}
	if _, err := toplevel.ResolveBackup(t.TempDir()); services.KindOf(err) != services.KindDisk {
		t.Fatalf("expected disk error for empty dir, got %v", err)
	}
}

func TestBackupPathSanitizesName(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)
	got := toplevel.BackupPath("/backups", "My Flipper/1", at)
	if got != "/backups/My_Flipper_1_20240301-123045.tar" {
		t.Fatalf("BackupPath = %q", got)
	}
}
