package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"matchbook/internal/engine"
	"matchbook/internal/protocol"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// BookSource is the read side of the matching engine.
type BookSource interface {
	Snapshot(ctx context.Context, depth int) (engine.Snapshot, error)
}

// ConnectionCounter reports how many trading sessions are open.
type ConnectionCounter interface {
	Connections() int
}

type Server struct {
	srvID   uint32
	address string
	port    uint16

	book     BookSource
	sessions ConnectionCounter
}

func NewServer(srvID uint32, address string, port uint16, book BookSource, sessions ConnectionCounter) *Server {
	return &Server{
		srvID:    srvID,
		address:  address,
		port:     port,
		book:     book,
		sessions: sessions,
	}
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve serves on an existing listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	var opts []grpc.ServerOption

	// FIXME: This should be configured to use TLS/SSL
	opts = append(opts, grpc.Creds(insecure.NewCredentials()))

	grpcServer := grpc.NewServer(opts...)
	protocol.RegisterDebugServer(grpcServer, s)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	log.Info().Str("address", listener.Addr().String()).Msg("debug server running")
	if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ---- Utility Methods ----
func (s *Server) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Address: %s\n", s.address)
	fmt.Fprintf(&sb, "Port:     %d\n", s.port)
	return sb.String()
}

// ---- Debug Server Implementations ----
func (s *Server) QueryServer(context.Context, *protocol.Empty) (*protocol.ServerInfo, error) {
	var connections uint32
	if s.sessions != nil {
		connections = uint32(s.sessions.Connections())
	}

	return &protocol.ServerInfo{
		Type:        protocol.MatchingServer,
		Id:          s.srvID,
		Address:     s.address,
		Port:        uint32(s.port),
		Connections: connections,
	}, nil
}

func (s *Server) QueryBook(ctx context.Context, req *protocol.BookRequest) (*protocol.BookInfo, error) {
	snap, err := s.book.Snapshot(ctx, int(req.Depth))
	if err != nil {
		if errors.Is(err, engine.ErrStopped) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.FromContextError(err).Err()
	}

	return &protocol.BookInfo{
		Quote: snap.Quote,
		Bids:  snap.Bids,
		Asks:  snap.Asks,
		Seq:   snap.Seq,
	}, nil
}
