package rpc_test

import (
	"bytes"
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"zeroflash/internal/rpc"
)

func TestDecoderReassemblesSplitFrames(t *testing.T) {
	msgs := []*rpc.Message{
		{CommandID: 1, Content: rpc.PingResponse{Data: []byte("abc")}},
		{CommandID: 2, HasNext: true, Content: rpc.StorageListResponse{Files: []rpc.File{{Name: "a", Size: 3}, {Name: "d", Type: rpc.FileTypeDir}}}},
		{CommandID: 2, Content: rpc.StorageListResponse{}},
		{CommandID: 3, Status: rpc.StatusStorageNotExist, Content: rpc.Empty{}},
	}
	var stream []byte
	for _, m := range msgs {
		stream = append(stream, rpc.EncodeFrame(m)...)
	}

	for chunk := 1; chunk <= len(stream); chunk++ {
		var dec rpc.Decoder
		var got []*rpc.Message
		for off := 0; off < len(stream); off += chunk {
			end := min(off+chunk, len(stream))
			out, err := dec.Feed(stream[off:end])
			if err != nil {
				t.Fatalf("chunk=%d: feed: %v", chunk, err)
			}
			got = append(got, out...)
		}
		if len(got) != len(msgs) {
			t.Fatalf("chunk=%d: decoded %d frames, want %d", chunk, len(got), len(msgs))
		}
		if dec.Buffered() != 0 {
			t.Fatalf("chunk=%d: %d bytes left over", chunk, dec.Buffered())
		}
		if !got[1].HasNext || got[2].HasNext {
			t.Fatalf("chunk=%d: continuation flags not preserved", chunk)
		}
		list := got[1].Content.(rpc.StorageListResponse)
		if len(list.Files) != 2 || !list.Files[1].IsDir() || list.Files[0].Size != 3 {
			t.Fatalf("chunk=%d: unexpected list %+v", chunk, list)
		}
		if got[3].Status != rpc.StatusStorageNotExist || got[3].Kind() != rpc.KindEmpty {
			t.Fatalf("chunk=%d: unexpected status frame %+v", chunk, got[3])
		}
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 9)
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))
	b = protowire.AppendTag(b, 50, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)

	msg, err := rpc.Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.CommandID != 9 || msg.Content != nil {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestMarshalKeepsEmptyContentPresence(t *testing.T) {
	payload := rpc.Marshal(&rpc.Message{CommandID: 4, Content: rpc.DeviceInfoRequest{}})
	msg, err := rpc.Unmarshal(payload)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.Kind() != rpc.KindDeviceInfoRequest {
		t.Fatalf("expected device info request, got %q", msg.Kind())
	}
}

func TestDateTimeRoundTrip(t *testing.T) {
	payload := rpc.Marshal(&rpc.Message{Content: rpc.SetDateTimeRequest{DateTime: rpc.DateTime{Hour: 23, Minute: 59, Second: 1, Day: 29, Month: 2, Year: 2024, Weekday: 4}}})
	msg, err := rpc.Unmarshal(payload)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	dt := msg.Content.(rpc.SetDateTimeRequest).DateTime
	if dt.Year != 2024 || dt.Month != 2 || dt.Day != 29 || dt.Hour != 23 || dt.Weekday != 4 {
		t.Fatalf("unexpected datetime %+v", dt)
	}
}

func TestDecoderRejectsOversizedFrame(t *testing.T) {
	var dec rpc.Decoder
	prefix := protowire.AppendVarint(nil, rpc.MaxFrameSize+1)
	if _, err := dec.Feed(prefix); !errors.Is(err, rpc.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if dec.Buffered() != 0 {
		t.Fatal("expected decoder reset after error")
	}
}

func TestDecoderWaitsForTruncatedLength(t *testing.T) {
	var dec rpc.Decoder
	frame := rpc.EncodeFrame(&rpc.Message{CommandID: 1, Content: rpc.PingResponse{Data: bytes.Repeat([]byte{1}, 200)}})
	out, err := dec.Feed(frame[:1])
	if err != nil || len(out) != 0 {
		t.Fatalf("expected to wait for more bytes, got %v %v", out, err)
	}
	out, err = dec.Feed(frame[1:])
	if err != nil || len(out) != 1 {
		t.Fatalf("expected one frame, got %d %v", len(out), err)
	}
}

func TestCheckResponseClassifiesStatus(t *testing.T) {
	frames := []*rpc.Message{{Status: rpc.StatusOK}, {Status: rpc.StatusStorageDenied}}
	err := rpc.CheckResponse(frames, "read")
	var statusErr *rpc.StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != rpc.StatusStorageDenied {
		t.Fatalf("expected status error, got %v", err)
	}
	if err := rpc.CheckResponse(nil, "read"); err == nil {
		t.Fatal("expected error for empty response")
	}
	if err := rpc.ExpectContent([]*rpc.Message{{Content: rpc.Empty{}}}, rpc.KindStorageReadResponse, "read", false); err == nil {
		t.Fatal("expected content mismatch")
	}
}

func TestGenericErrorStatus(t *testing.T) {
	err := rpc.CheckResponse([]*rpc.Message{{Status: rpc.StatusErrorGeneric}}, "ping")
	var statusErr *rpc.StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != rpc.StatusErrorGeneric {
		t.Fatalf("expected generic status error, got %v", err)
	}
	if got := statusErr.Error(); got != "command status: error" {
		t.Fatalf("unexpected message %q", got)
	}
}
