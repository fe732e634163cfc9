package deviceops_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"zeroflash/internal/deviceops"
	"zeroflash/internal/eventloop"
	"zeroflash/internal/rpc"
	"zeroflash/internal/services"
	"zeroflash/internal/testsupport"
)

func newClient(t *testing.T, dev *testsupport.FakeDevice) (*eventloop.Loop, *deviceops.Client) {
	t.Helper()
	loop := testsupport.StartLoop(t)
	session := testsupport.StartSession(t, loop, dev)
	return loop, deviceops.NewClient(loop, session, 300*time.Millisecond, nil)
}

func TestPingEchoesPayload(t *testing.T) {
	loop, client := newClient(t, testsupport.NewFakeDevice())
	if err := testsupport.Run(t, loop, client.Ping([]byte("payload"))); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestDeviceInfoCollectsStreamedPairs(t *testing.T) {
	dev := testsupport.NewFakeDevice()
	loop, client := newClient(t, dev)
	op := client.DeviceInfo()
	if err := testsupport.Run(t, loop, op); err != nil {
		t.Fatalf("device info: %v", err)
	}
	if len(op.Pairs()) != len(dev.Info) {
		t.Fatalf("expected %d pairs, got %d", len(dev.Info), len(op.Pairs()))
	}
	if got := op.Fields()["firmware_version"]; got != "0.98.3" {
		t.Fatalf("unexpected firmware_version %q", got)
	}
	if op.Pairs()[0].Key != "hardware_name" {
		t.Fatalf("pairs out of device order: %v", op.Pairs()[0])
	}
}

func TestDeviceInfoRejectsEmptyKey(t *testing.T) {
	dev := testsupport.NewFakeDevice()
	dev.Info = append(dev.Info, testsupport.InfoPair{Key: "", Value: "x"})
	loop, client := newClient(t, dev)
	err := testsupport.Run(t, loop, client.DeviceInfo())
	if services.KindOf(err) != services.KindInvalidDevice {
		t.Fatalf("expected invalid device, got %v", err)
	}
}

func TestStatusErrorClassifiedInvalidDevice(t *testing.T) {
	dev := testsupport.NewFakeDevice()
	dev.FailStatus[rpc.KindGetDateTimeRequest] = rpc.StatusErrorBusy
	loop, client := newClient(t, dev)
	err := testsupport.Run(t, loop, client.GetDateTime())
	if services.KindOf(err) != services.KindInvalidDevice {
		t.Fatalf("expected invalid device, got %v", err)
	}
	var statusErr *rpc.StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != rpc.StatusErrorBusy {
		t.Fatalf("expected busy status error, got %v", err)
	}
}

func TestRequestTimesOut(t *testing.T) {
	dev := testsupport.NewFakeDevice()
	dev.Silent[rpc.KindStorageInfoRequest] = true
	loop, client := newClient(t, dev)
	err := testsupport.Run(t, loop, client.StorageInfo("/ext"))
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if services.KindOf(err) != services.KindInvalidDevice {
		t.Fatalf("expected invalid device kind, got %s", services.KindOf(err))
	}
	testsupport.OnLoop(t, loop, func() {
		if n := client.Session().PendingCount(); n != 0 {
			t.Errorf("timed out request still pending: %d", n)
		}
	})
}

func TestDateTimeRoundTrip(t *testing.T) {
	dev := testsupport.NewFakeDevice()
	loop, client := newClient(t, dev)
	want := time.Date(2025, 11, 2, 8, 30, 15, 0, time.Local)
	if err := testsupport.Run(t, loop, client.SetDateTime(want)); err != nil {
		t.Fatalf("set datetime: %v", err)
	}
	get := client.GetDateTime()
	if err := testsupport.Run(t, loop, get); err != nil {
		t.Fatalf("get datetime: %v", err)
	}
	if got := get.Time(time.Local); !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestStorageOperations(t *testing.T) {
	dev := testsupport.NewFakeDevice()
	loop, client := newClient(t, dev)
	payload := testsupport.Pattern(3*deviceops.WriteChunk + 17)

	if err := testsupport.Run(t, loop, client.StorageMkdir("/int/apps")); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := testsupport.Run(t, loop, client.StorageMkdir("/int/apps")); err != nil {
		t.Fatalf("mkdir existing: %v", err)
	}
	if err := testsupport.Run(t, loop, client.StorageWrite("/int/apps/blob.bin", payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	stored, ok := dev.File("/int/apps/blob.bin")
	if !ok || !bytes.Equal(stored, payload) {
		t.Fatalf("device holds %d bytes, want %d", len(stored), len(payload))
	}

	read := client.StorageRead("/int/apps/blob.bin")
	if err := testsupport.Run(t, loop, read); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(read.Data(), payload) {
		t.Fatalf("read back %d bytes, want %d", len(read.Data()), len(payload))
	}

	stat := client.StorageStat("/int/apps/blob.bin")
	if err := testsupport.Run(t, loop, stat); err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !stat.Exists() || stat.File().Size != uint32(len(payload)) {
		t.Fatalf("unexpected stat %+v", stat.File())
	}

	missing := client.StorageStat("/ext/Manifest")
	if err := testsupport.Run(t, loop, missing); err != nil {
		t.Fatalf("stat missing: %v", err)
	}
	if missing.Exists() {
		t.Fatal("missing path reported as existing")
	}

	if err := testsupport.Run(t, loop, client.StorageRemove("/int/apps", false)); services.KindOf(err) != services.KindInvalidDevice {
		t.Fatalf("expected non-recursive remove of non-empty dir to fail, got %v", err)
	}
	if err := testsupport.Run(t, loop, client.StorageRemove("/int/apps", true)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if dev.HasDir("/int/apps") {
		t.Fatal("directory still present")
	}
}

func TestStorageListAccumulatesPages(t *testing.T) {
	dev := testsupport.NewFakeDevice()
	for i := range 20 {
		dev.PutFile("/int/f"+string(rune('a'+i)), []byte{byte(i)})
	}
	loop, client := newClient(t, dev)
	list := client.StorageList("/int")
	if err := testsupport.Run(t, loop, list); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Files()) != 20 {
		t.Fatalf("expected 20 entries across pages, got %d", len(list.Files()))
	}

	empty := client.StorageList("/ext")
	if err := testsupport.Run(t, loop, empty); err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if len(empty.Files()) != 0 {
		t.Fatalf("expected empty listing, got %v", empty.Files())
	}
}

func TestStorageInfoReportsSpace(t *testing.T) {
	dev := testsupport.NewFakeDevice()
	loop, client := newClient(t, dev)
	op := client.StorageInfo("/ext")
	if err := testsupport.Run(t, loop, op); err != nil {
		t.Fatalf("storage info: %v", err)
	}
	if op.TotalSpace() != 1<<30 || op.FreeSpace() != 1<<29 {
		t.Fatalf("unexpected space %d/%d", op.FreeSpace(), op.TotalSpace())
	}
	if err := testsupport.Run(t, loop, client.StorageInfo("/missing")); services.KindOf(err) != services.KindInvalidDevice {
		t.Fatalf("expected invalid device for unknown root, got %v", err)
	}
}

func TestStreamToggles(t *testing.T) {
	dev := testsupport.NewFakeDevice()
	loop, client := newClient(t, dev)
	if err := testsupport.Run(t, loop, client.StartStream()); err != nil {
		t.Fatalf("start stream: %v", err)
	}
	dev.Lock()
	streaming := dev.Streaming
	dev.Unlock()
	if !streaming {
		t.Fatal("device not streaming")
	}
	if err := testsupport.Run(t, loop, client.StopStream()); err != nil {
		t.Fatalf("stop stream: %v", err)
	}
}

func TestRebootLeavesSessionDown(t *testing.T) {
	dev := testsupport.NewFakeDevice()
	loop, client := newClient(t, dev)
	if err := testsupport.Run(t, loop, client.Reboot(rpc.RebootDFU)); err != nil {
		t.Fatalf("reboot: %v", err)
	}
	dev.Lock()
	reboots := append([]rpc.RebootMode(nil), dev.Reboots...)
	dev.Unlock()
	if len(reboots) != 1 || reboots[0] != rpc.RebootDFU {
		t.Fatalf("unexpected reboots %v", reboots)
	}
	testsupport.OnLoop(t, loop, func() {
		if !client.Session().Down() {
			t.Error("session should be down after reboot")
		}
	})
	err := testsupport.Run(t, loop, client.Ping(nil))
	if !errors.Is(err, services.ErrSessionDown) {
		t.Fatalf("expected ErrSessionDown after reboot, got %v", err)
	}
}

func TestSessionLifecycleAndBootloader(t *testing.T) {
	dev := testsupport.NewFakeDevice()
	loop, client := newClient(t, dev)

	if err := testsupport.Run(t, loop, client.StartSession()); !errors.Is(err, services.ErrSessionUp) {
		t.Fatalf("expected ErrSessionUp, got %v", err)
	}
	if err := testsupport.Run(t, loop, client.EnterBootloader()); !errors.Is(err, services.ErrSessionUp) {
		t.Fatalf("expected bootloader entry to require a stopped session, got %v", err)
	}
	if err := testsupport.Run(t, loop, client.StopSession()); err != nil {
		t.Fatalf("stop session: %v", err)
	}
	if err := testsupport.Run(t, loop, client.EnterBootloader()); err != nil {
		t.Fatalf("enter bootloader: %v", err)
	}
	cmds := dev.CLICommands()
	if cmds[len(cmds)-1] != "dfu" {
		t.Fatalf("unexpected cli commands %v", cmds)
	}
	if err := testsupport.Run(t, loop, client.StartSession()); err != nil {
		t.Fatalf("restart session: %v", err)
	}
}

func TestAbortCancelsPendingRequest(t *testing.T) {
	dev := testsupport.NewFakeDevice()
	dev.Silent[rpc.KindStorageListRequest] = true
	loop, client := newClient(t, dev)
	op := client.StorageList("/int")
	testsupport.OnLoop(t, loop, func() {
		if err := op.Start(); err != nil {
			t.Errorf("start: %v", err)
		}
	})
	testsupport.OnLoop(t, loop, func() { op.Abort("user cancelled") })
	err := testsupport.Wait(t, op)
	if !errors.Is(err, services.ErrAborted) {
		t.Fatalf("expected aborted, got %v", err)
	}
	testsupport.OnLoop(t, loop, func() {
		if n := client.Session().PendingCount(); n != 0 {
			t.Errorf("aborted request still pending: %d", n)
		}
	})
}
