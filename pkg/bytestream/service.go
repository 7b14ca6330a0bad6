package bytestream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"pairlink/pkg/auth"
	"pairlink/pkg/stanza"
)

const (
	serviceName    = "pairlink.Bytestream"
	transferMethod = "/" + serviceName + "/Transfer"

	// DefaultDialTimeout bounds connection setup.
	DefaultDialTimeout = 30 * time.Second
)

// frame is the message type of the raw codec.
type frame struct {
	data []byte
}

// rawCodec passes frames through untouched.
type rawCodec struct{}

func (rawCodec) Name() string { return "pairlink-raw" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("bytestream: cannot marshal %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("bytestream: cannot unmarshal into %T", v)
	}
	f.data = append(f.data[:0], data...)
	return nil
}

// transferServer is implemented by Server.
type transferServer interface {
	transfer(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transferServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Transfer",
		Handler:       transferHandler,
		ClientStreams: true,
	}},
	Metadata: "pairlink/bytestream",
}

func transferHandler(srv any, stream grpc.ServerStream) error {
	return srv.(transferServer).transfer(stream)
}

// Sink consumes received extensions. *receiver.Receiver implements it.
type Sink interface {
	Receive(ext *stanza.BinaryExtension)
}

// Server accepts transfers and hands every frame to a Sink.
type Server struct {
	sink   Sink
	logger *zap.Logger
	srv    *grpc.Server
}

// NewServer creates a server delivering to sink. opts are passed to the
// underlying gRPC server, e.g. the credentials from auth.TLSConfigBuilder.
func NewServer(sink Sink, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{sink: sink, logger: logger}
	s.srv = grpc.NewServer(append(opts, ServerOption())...)
	s.Register(s.srv)
	return s
}

// Register adds the transfer service to g, which must be created with
// ServerOption. Use it to share a gRPC server with other services.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// ServerOption selects the codec the service needs.
func ServerOption() grpc.ServerOption {
	return grpc.ForceServerCodec(rawCodec{})
}

// Serve accepts transfers on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Bytestream listening", zap.String("address", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve bytestream: %w", err)
	}
	return nil
}

// Stop waits for running transfers and stops serving.
func (s *Server) Stop() {
	s.srv.GracefulStop()
}

func (s *Server) transfer(stream grpc.ServerStream) error {
	start := time.Now()
	var (
		frames int
		size   int64
	)
	for {
		var f frame
		err := stream.RecvMsg(&f)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		ext, err := UnmarshalExtension(f.data)
		if err != nil {
			s.logger.Warn("Rejecting bytestream frame", zap.Error(err))
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if id, ok := auth.IdentityFromContext(stream.Context()); ok && ext.From.Base() != id.JID.Base() {
			s.logger.Warn("Rejecting bytestream frame from impersonating peer",
				zap.Stringer("peer", id.JID),
				zap.Stringer("claimed", ext.From))
			return status.Errorf(codes.PermissionDenied, "peer %s cannot send as %s", id.JID, ext.From)
		}
		if ext.Duration == 0 {
			ext.Duration = time.Since(start)
		}
		frames++
		size += int64(len(f.data))
		s.sink.Receive(ext)
	}

	s.logger.Debug("Bytestream transfer finished",
		zap.Int("frames", frames),
		zap.Int64("bytes", size),
		zap.Duration("duration", time.Since(start)))
	return stream.SendMsg(&frame{data: marshalSummary(frames, size)})
}

// Client sends binary extensions to a peer's Server. Each call opens its
// own stream.
type Client struct {
	conn   *grpc.ClientConn
	owned  bool
	logger *zap.Logger
}

// NewClient wraps an existing connection. Closing the client leaves conn
// open.
func NewClient(conn *grpc.ClientConn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, logger: logger}
}

// Dial connects to a bytestream server. Without options the connection is
// insecure.
func Dial(ctx context.Context, address string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.DialContext(ctx, address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bytestream %s: %w", address, err)
	}
	c := NewClient(conn, logger)
	c.owned = true
	return c, nil
}

// SendBinary implements transmitter.BinaryChannel.
func (c *Client) SendBinary(ctx context.Context, ext *stanza.BinaryExtension) error {
	_, err := c.Transfer(ctx, ext)
	return err
}

// Transfer sends exts in one stream and returns the number of frames the
// server accepted.
func (c *Client) Transfer(ctx context.Context, exts ...*stanza.BinaryExtension) (int, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], transferMethod,
		grpc.ForceCodec(rawCodec{}))
	if err != nil {
		return 0, fmt.Errorf("failed to open transfer stream: %w", err)
	}

	for i, ext := range exts {
		if err := stream.SendMsg(&frame{data: MarshalExtension(ext)}); err != nil {
			// The server's status is reported by RecvMsg.
			if errors.Is(err, io.EOF) {
				break
			}
			return i, fmt.Errorf("failed to send frame %d: %w", i, err)
		}
	}
	if err := stream.CloseSend(); err != nil {
		return 0, fmt.Errorf("failed to close transfer stream: %w", err)
	}

	var reply frame
	if err := stream.RecvMsg(&reply); err != nil {
		return 0, fmt.Errorf("transfer failed: %w", err)
	}
	frames, size, err := unmarshalSummary(reply.data)
	if err != nil {
		return 0, err
	}
	c.logger.Debug("Bytestream transfer acknowledged",
		zap.Int("frames", frames),
		zap.Int64("bytes", size))
	return frames, nil
}

// Close closes the connection if the client dialed it.
func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}

// CloseAll closes every client and reports all failures.
func CloseAll(clients ...*Client) error {
	var err error
	for _, c := range clients {
		err = multierr.Append(err, c.Close())
	}
	return err
}
