package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"

	"log/slog"

	"zeroflash/internal/controller"
	"zeroflash/internal/daemon"
	"zeroflash/internal/history"
	"zeroflash/internal/logging"
	"zeroflash/internal/services"
)

// ServiceName is the RPC receiver name the daemon registers.
const ServiceName = "Zeroflash"

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logging.NewComponentLogger(logger, "ipc"), ctx: ctx}
	if err := rpcServer.RegisterName(ServiceName, srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file. Connections still
// waiting on an operation keep Close blocked until it finishes.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may confuse the CLI"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func failureOf(err error) Failure {
	if err == nil {
		return Failure{}
	}
	return Failure{
		Kind:    string(services.KindOf(err)),
		Message: err.Error(),
		Busy:    errors.Is(err, services.ErrDeviceBusy),
	}
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status(s.ctx)
	resp.Running = status.Running
	resp.PID = os.Getpid()
	resp.Since = status.Since
	resp.DeviceOpen = status.DeviceOpen
	resp.Device = status.Device
	resp.Active = status.Active
	resp.Stage = status.Stage
	resp.OpenError = status.OpenError
	resp.HistoryPath = status.HistoryPath
	resp.LockFilePath = status.LockFilePath
	resp.History = make(map[string]int, len(status.History))
	for k, v := range status.History {
		resp.History[string(k)] = v
	}
	return nil
}

func (s *service) Run(req RunRequest, resp *RunResponse) error {
	kind, err := controller.ParseKind(req.Kind)
	if err != nil {
		resp.Failure = failureOf(services.Wrap(services.ErrInvalidDevice, "ipc", "run", err.Error(), nil))
		return nil
	}
	s.logger.Info("operation requested via IPC",
		logging.String(logging.FieldEventType, "ipc_run"),
		logging.String(logging.FieldOperation, string(kind)),
		logging.String("argument", req.Argument),
		logging.Bool("force", req.Force))
	res, err := s.daemon.RunOperation(s.ctx, controller.Request{
		Kind:     kind,
		Argument: req.Argument,
		Force:    req.Force,
	})
	resp.CorrelationID = res.CorrelationID
	resp.Stage = res.Stage
	resp.Elapsed = res.Elapsed
	resp.Failure = failureOf(err)
	return nil
}

func (s *service) Abort(req AbortRequest, resp *AbortResponse) error {
	reason := req.Reason
	if reason == "" {
		reason = "aborted via IPC"
	}
	s.logger.Info("abort requested via IPC",
		logging.String(logging.FieldEventType, "ipc_abort"),
		logging.String("reason", reason))
	resp.Failure = failureOf(s.daemon.Abort(reason))
	return nil
}

func (s *service) ClearError(_ ClearErrorRequest, resp *ClearErrorResponse) error {
	resp.Failure = failureOf(s.daemon.ClearError(s.ctx))
	return nil
}

func (s *service) Refresh(_ RefreshRequest, resp *RefreshResponse) error {
	resp.Failure = failureOf(s.daemon.Refresh(s.ctx))
	resp.Device = s.daemon.Status(s.ctx).Device
	return nil
}

func (s *service) Stream(req StreamRequest, resp *StreamResponse) error {
	resp.Failure = failureOf(s.daemon.SetStreaming(s.ctx, req.On))
	return nil
}

func (s *service) History(req HistoryRequest, resp *HistoryResponse) error {
	filter := history.Filter{DeviceSerial: req.DeviceSerial, Limit: req.Limit}
	for _, status := range req.Statuses {
		filter.Statuses = append(filter.Statuses, history.Status(status))
	}
	records, err := s.daemon.History(s.ctx, filter)
	if err != nil {
		return err
	}
	resp.Records = records
	return nil
}

func (s *service) HistoryClear(_ HistoryClearRequest, resp *HistoryClearResponse) error {
	removed, err := s.daemon.ClearHistory(s.ctx)
	if err != nil {
		return err
	}
	resp.Removed = removed
	s.logger.Info("history cleared",
		logging.String(logging.FieldEventType, "history_clear"),
		logging.Int64("removed_count", removed))
	return nil
}
