package deviceops

import (
	"fmt"
	"log/slog"
	"time"

	"zeroflash/internal/eventloop"
	"zeroflash/internal/logging"
	"zeroflash/internal/operation"
	"zeroflash/internal/rpc"
	"zeroflash/internal/services"
)

const component = "deviceops"

// Client builds operations against one RPC session.
type Client struct {
	loop    *eventloop.Loop
	session *rpc.Session
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient binds operations to session. timeout bounds each request.
func NewClient(loop *eventloop.Loop, session *rpc.Session, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		loop:    loop,
		session: session,
		timeout: timeout,
		logger:  logging.NewComponentLogger(logger, component),
	}
}

// Loop returns the loop operations run on.
func (c *Client) Loop() *eventloop.Loop { return c.loop }

// Session returns the session operations currently use.
func (c *Client) Session() *rpc.Session { return c.session }

// SetSession rebinds the client after the port was reopened. Operations
// resolve the session when they begin, so queued operations use the new one.
func (c *Client) SetSession(session *rpc.Session) { c.session = session }

// Timeout returns the per-request bound.
func (c *Client) Timeout() time.Duration { return c.timeout }

// call is the shared request/response skeleton.
type call struct {
	operation.Base
	client  *Client
	session *rpc.Session
	id      uint32
	build   func() []*rpc.Message
	parse   func(frames []*rpc.Message) error
}

func (c *call) init(client *Client, description string, build func() []*rpc.Message, parse func([]*rpc.Message) error) {
	c.client = client
	c.build = build
	c.parse = parse
	c.Init(client.loop, description, c.begin)
	c.OnCancel(func() {
		if c.session != nil && c.id != 0 {
			c.session.Cancel(c.id)
		}
	})
}

func (c *call) begin() {
	c.session = c.client.session
	if c.session == nil {
		c.FinishWithError(services.Wrap(services.ErrInvalidDevice, component, c.Description(), "no session", services.ErrSessionDown))
		return
	}
	c.StartTimeout(c.client.timeout)
	id, err := c.session.Send(c.build(), c.handle)
	if err != nil {
		c.FinishWithError(err)
		return
	}
	c.id = id
	c.client.logger.Debug("request sent",
		logging.String(logging.FieldOperation, c.Description()),
		logging.Int64(logging.FieldCommandID, int64(id)))
}

func (c *call) handle(frames []*rpc.Message, err error) {
	if c.Terminal() {
		return
	}
	if err == nil {
		err = c.parse(frames)
	}
	if err != nil {
		c.FinishWithError(err)
		return
	}
	c.Finish()
}

// single wraps one content value as a request.
func single(content rpc.Content) func() []*rpc.Message {
	return func() []*rpc.Message {
		return []*rpc.Message{{Content: content}}
	}
}

// expect validates status and content kind of every frame.
func expect(frames []*rpc.Message, operation string, kind rpc.Kind, allowEmpty bool) error {
	if err := rpc.CheckResponse(frames, operation); err != nil {
		return err
	}
	return rpc.ExpectContent(frames, kind, operation, allowEmpty)
}

// expectEmpty validates a bare acknowledgement.
func expectEmpty(frames []*rpc.Message, operation string) error {
	return expect(frames, operation, rpc.KindEmpty, true)
}

func invalid(operation, format string, args ...any) error {
	return services.Wrap(services.ErrInvalidDevice, component, operation, fmt.Sprintf(format, args...), nil)
}

// statusOf returns the status of a single-frame response, or StatusOK when
// the response is longer or empty.
func statusOf(frames []*rpc.Message) rpc.Status {
	if len(frames) == 1 {
		return frames[0].Status
	}
	return rpc.StatusOK
}
