package deviceops

import (
	"bytes"
	"time"

	"zeroflash/internal/operation"
	"zeroflash/internal/rpc"
	"zeroflash/internal/services"
)

// Ping checks that the device echoes a payload.
type Ping struct {
	call
	payload []byte
}

// Ping returns an operation that sends payload and expects it back.
func (c *Client) Ping(payload []byte) *Ping {
	op := &Ping{payload: append([]byte(nil), payload...)}
	op.init(c, "ping", single(rpc.PingRequest{Data: op.payload}), op.parse)
	return op
}

func (p *Ping) parse(frames []*rpc.Message) error {
	if err := expect(frames, p.Description(), rpc.KindPingResponse, false); err != nil {
		return err
	}
	var echoed []byte
	for _, frame := range frames {
		echoed = append(echoed, frame.Content.(rpc.PingResponse).Data...)
	}
	if !bytes.Equal(echoed, p.payload) {
		return invalid(p.Description(), "echo mismatch: sent %d bytes, got %d", len(p.payload), len(echoed))
	}
	return nil
}

// DeviceInfo collects the streamed key/value description of the device.
type DeviceInfo struct {
	call
	pairs []rpc.DeviceInfoResponse
}

// DeviceInfo returns an operation that reads every device-info pair.
func (c *Client) DeviceInfo() *DeviceInfo {
	op := &DeviceInfo{}
	op.init(c, "device info", single(rpc.DeviceInfoRequest{}), op.parse)
	return op
}

func (d *DeviceInfo) parse(frames []*rpc.Message) error {
	if err := expect(frames, d.Description(), rpc.KindDeviceInfoResponse, false); err != nil {
		return err
	}
	pairs := make([]rpc.DeviceInfoResponse, 0, len(frames))
	for i, frame := range frames {
		pair := frame.Content.(rpc.DeviceInfoResponse)
		if pair.Key == "" {
			return invalid(d.Description(), "frame %d: empty key", i)
		}
		pairs = append(pairs, pair)
	}
	d.pairs = pairs
	return nil
}

// Pairs returns the pairs in the order the device sent them.
func (d *DeviceInfo) Pairs() []rpc.DeviceInfoResponse { return d.pairs }

// Fields returns the pairs as a map. Later duplicates win.
func (d *DeviceInfo) Fields() map[string]string {
	fields := make(map[string]string, len(d.pairs))
	for _, pair := range d.pairs {
		fields[pair.Key] = pair.Value
	}
	return fields
}

// GetDateTime reads the device clock.
type GetDateTime struct {
	call
	value rpc.DateTime
}

// GetDateTime returns an operation that reads the device clock.
func (c *Client) GetDateTime() *GetDateTime {
	op := &GetDateTime{}
	op.init(c, "get datetime", single(rpc.GetDateTimeRequest{}), op.parse)
	return op
}

func (g *GetDateTime) parse(frames []*rpc.Message) error {
	if err := expect(frames, g.Description(), rpc.KindGetDateTimeResponse, false); err != nil {
		return err
	}
	if len(frames) != 1 {
		return invalid(g.Description(), "expected one frame, got %d", len(frames))
	}
	value := frames[0].Content.(rpc.GetDateTimeResponse).DateTime
	if value.Month < 1 || value.Month > 12 || value.Day < 1 || value.Day > 31 || value.Hour > 23 || value.Minute > 59 || value.Second > 59 {
		return invalid(g.Description(), "clock out of range: %+v", value)
	}
	g.value = value
	return nil
}

// Time interprets the device clock in loc. The device keeps local time.
func (g *GetDateTime) Time(loc *time.Location) time.Time { return g.value.Time(loc) }

// SetDateTime writes the device clock.
type SetDateTime struct {
	call
}

// SetDateTime returns an operation that sets the device clock to t, expressed
// in t's location.
func (c *Client) SetDateTime(t time.Time) *SetDateTime {
	op := &SetDateTime{}
	op.init(c, "set datetime", single(rpc.SetDateTimeRequest{DateTime: rpc.DateTimeOf(t)}), func(frames []*rpc.Message) error {
		return expectEmpty(frames, op.Description())
	})
	return op
}

// StartStream enables periodic screen frames.
func (c *Client) StartStream() operation.Operation {
	op := &call{}
	op.init(c, "start screen stream", single(rpc.GuiStartScreenStreamRequest{}), func(frames []*rpc.Message) error {
		return expectEmpty(frames, op.Description())
	})
	return op
}

// StopStream disables periodic screen frames.
func (c *Client) StopStream() operation.Operation {
	op := &call{}
	op.init(c, "stop screen stream", single(rpc.GuiStopScreenStreamRequest{}), func(frames []*rpc.Message) error {
		return expectEmpty(frames, op.Description())
	})
	return op
}

// noReply sends a request after which the device restarts.
type noReply struct {
	operation.Base
	client  *Client
	content rpc.Content
}

func (n *noReply) begin() {
	session := n.client.session
	if session == nil {
		n.FinishWithError(services.Wrap(services.ErrInvalidDevice, component, n.Description(), "no session", services.ErrSessionDown))
		return
	}
	n.StartTimeout(n.client.timeout)
	err := session.SendNoReply(&rpc.Message{Content: n.content}, func(err error) {
		if n.Terminal() {
			return
		}
		if err != nil {
			n.FinishWithError(err)
			return
		}
		n.Finish()
	})
	if err != nil {
		n.FinishWithError(err)
	}
}

func (c *Client) noReply(description string, content rpc.Content) operation.Operation {
	op := &noReply{client: c, content: content}
	op.Init(c.loop, description, op.begin)
	return op
}

// Reboot restarts the device into mode. It finishes once the request is
// flushed; the session is down afterwards.
func (c *Client) Reboot(mode rpc.RebootMode) operation.Operation {
	return c.noReply("reboot to "+mode.String(), rpc.RebootRequest{Mode: mode})
}

// FactoryReset wipes internal storage and restarts the device.
func (c *Client) FactoryReset() operation.Operation {
	return c.noReply("factory reset", rpc.FactoryResetRequest{})
}
