package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nixpig/rtcr/internal/bootstrap"
	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/pd"
	"github.com/nixpig/rtcr/internal/regionmap"
	"github.com/nixpig/rtcr/internal/session"
	"google.golang.org/grpc"
)

// shutdownTimeout bounds the graceful stop before connections are cut.
const shutdownTimeout = 5 * time.Second

var _ SessionServer = (*Server)(nil)

// ServerOpts configures a Server.
type ServerOpts struct {
	Factory *session.Factory
	// Space resolves region-map capabilities to their proxies.
	Space  *capability.Space
	Phase  *bootstrap.Phase
	Logger *slog.Logger
}

// Server serves the Session service from a session factory.
type Server struct {
	factory *session.Factory
	space   *capability.Space
	phase   *bootstrap.Phase
	log     *slog.Logger

	listener   net.Listener
	grpcServer *grpc.Server

	mu sync.Mutex
}

func NewServer(listener net.Listener, opts *ServerOpts) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		factory:  opts.Factory,
		space:    opts.Space,
		phase:    opts.Phase,
		log:      logger,
		listener: listener,
	}
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.mu.Lock()

	s.log.Info("starting server", "addr", s.listener.Addr().String())

	grpcServer := grpc.NewServer(
		grpc.ForceServerCodec(codec{}),
		grpc.ChainUnaryInterceptor(s.logCalls),
	)

	RegisterSessionServer(grpcServer, s)

	s.grpcServer = grpcServer

	s.mu.Unlock()

	return grpcServer.Serve(s.listener)
}

// Shutdown stops the server gracefully, cutting connections that are still
// open after shutdownTimeout.
func (s *Server) Shutdown() {
	s.mu.Lock()

	s.log.Info("shutting down server")

	grpcServer := s.grpcServer

	s.mu.Unlock()

	if grpcServer == nil {
		return
	}

	doneCh := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(shutdownTimeout):
		s.log.Info("graceful shutdown timed out, terminating")
		grpcServer.Stop()
	}
}

func (s *Server) logCalls(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Debug("request failed", "method", info.FullMethod, "err", err)
		return nil, mapErr(err)
	}

	s.log.Debug("request", "method", info.FullMethod)

	return resp, nil
}

func (s *Server) session(c capability.Cap) (*pd.Proxy, error) {
	p, ok := s.factory.Lookup(c)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", c, session.ErrUnknownSession)
	}

	return p, nil
}

func (s *Server) regionMap(c capability.Cap) (*regionmap.Proxy, error) {
	rm, ok := capability.Resolve[*regionmap.Proxy](s.space, c)
	if !ok {
		return nil, fmt.Errorf("region map %s: %w", c, capability.ErrInvalidCap)
	}

	return rm, nil
}

// withSession runs fn on the session named by c.
func withSession[R any](s *Server, c capability.Cap, fn func(*pd.Proxy) (R, error)) (*R, error) {
	p, err := s.session(c)
	if err != nil {
		return nil, err
	}

	r, err := fn(p)
	if err != nil {
		return nil, err
	}

	return &r, nil
}

func empty(err error) (Empty, error) {
	return Empty{}, err
}

func capReply(c capability.Cap, err error) (CapReply, error) {
	return CapReply{Cap: c}, err
}

func (s *Server) CreateSession(ctx context.Context, in *CreateRequest) (*CapReply, error) {
	c, err := s.factory.Create(in.Args)
	if err != nil {
		return nil, err
	}

	return &CapReply{Cap: c}, nil
}

func (s *Server) UpgradeSession(ctx context.Context, in *UpgradeRequest) (*Empty, error) {
	if err := s.factory.Upgrade(in.Session, in.Args); err != nil {
		return nil, err
	}

	return &Empty{}, nil
}

func (s *Server) DestroySession(ctx context.Context, in *SessionCall) (*Empty, error) {
	if err := s.factory.Destroy(in.Session); err != nil {
		return nil, err
	}

	return &Empty{}, nil
}

func (s *Server) ListSessions(ctx context.Context, in *ListRequest) (*ListReply, error) {
	return &ListReply{Sessions: s.factory.Sessions()}, nil
}

func (s *Server) Snapshot(ctx context.Context, in *SnapshotRequest) (*SnapshotReply, error) {
	if !in.Session.Valid() {
		return &SnapshotReply{Snapshots: s.factory.SnapshotAll()}, nil
	}

	snap, err := s.factory.Snapshot(in.Session)
	if err != nil {
		return nil, err
	}

	return &SnapshotReply{Snapshots: []session.Snapshot{snap}}, nil
}

func (s *Server) SetBootstrap(ctx context.Context, in *BootstrapRequest) (*BootstrapReply, error) {
	if s.phase == nil {
		return nil, errors.New("bootstrap phase is not controllable")
	}

	prev := s.phase.Set(in.Active)
	s.log.Info("bootstrap phase changed", "active", in.Active, "previous", prev)

	return &BootstrapReply{Previous: prev}, nil
}

func (s *Server) AssignParent(ctx context.Context, in *CapCall) (*Empty, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (Empty, error) {
		return empty(p.AssignParent(in.Cap))
	})
}

func (s *Server) AssignPCI(ctx context.Context, in *PCICall) (*BoolReply, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (BoolReply, error) {
		ok, err := p.AssignPCI(in.Addr, in.BDF)
		return BoolReply{Value: ok}, err
	})
}

func (s *Server) Map(ctx context.Context, in *MapCall) (*Empty, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (Empty, error) {
		return empty(p.Map(in.Virt, in.Size))
	})
}

func (s *Server) AllocSignalSource(ctx context.Context, in *SessionCall) (*CapReply, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (CapReply, error) {
		return capReply(p.AllocSignalSource())
	})
}

func (s *Server) FreeSignalSource(ctx context.Context, in *CapCall) (*Empty, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (Empty, error) {
		return empty(p.FreeSignalSource(in.Cap))
	})
}

func (s *Server) AllocContext(ctx context.Context, in *ContextCall) (*CapReply, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (CapReply, error) {
		return capReply(p.AllocContext(in.Source, in.Imprint))
	})
}

func (s *Server) FreeContext(ctx context.Context, in *CapCall) (*Empty, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (Empty, error) {
		return empty(p.FreeContext(in.Cap))
	})
}

func (s *Server) Submit(ctx context.Context, in *SubmitCall) (*Empty, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (Empty, error) {
		return empty(p.Submit(in.Context, in.Count))
	})
}

func (s *Server) AllocRPCCap(ctx context.Context, in *CapCall) (*CapReply, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (CapReply, error) {
		return capReply(p.AllocRPCCap(in.Cap))
	})
}

func (s *Server) FreeRPCCap(ctx context.Context, in *CapCall) (*Empty, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (Empty, error) {
		return empty(p.FreeRPCCap(in.Cap))
	})
}

func (s *Server) AddressSpace(ctx context.Context, in *SessionCall) (*CapReply, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (CapReply, error) {
		return capReply(p.AddressSpace())
	})
}

func (s *Server) StackArea(ctx context.Context, in *SessionCall) (*CapReply, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (CapReply, error) {
		return capReply(p.StackArea())
	})
}

func (s *Server) LinkerArea(ctx context.Context, in *SessionCall) (*CapReply, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (CapReply, error) {
		return capReply(p.LinkerArea())
	})
}

func (s *Server) RefAccount(ctx context.Context, in *CapCall) (*Empty, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (Empty, error) {
		return empty(p.RefAccount(in.Cap))
	})
}

func (s *Server) TransferCapQuota(ctx context.Context, in *TransferCall) (*Empty, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (Empty, error) {
		return empty(p.TransferCapQuota(in.To, capability.CapQuota(in.Amount)))
	})
}

func (s *Server) TransferRAMQuota(ctx context.Context, in *TransferCall) (*Empty, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (Empty, error) {
		return empty(p.TransferRAMQuota(in.To, capability.RAMQuota(in.Amount)))
	})
}

func (s *Server) CapQuota(ctx context.Context, in *SessionCall) (*ValueReply, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (ValueReply, error) {
		q, err := p.CapQuota()
		return ValueReply{Value: uint64(q)}, err
	})
}

func (s *Server) UsedCaps(ctx context.Context, in *SessionCall) (*ValueReply, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (ValueReply, error) {
		q, err := p.UsedCaps()
		return ValueReply{Value: uint64(q)}, err
	})
}

func (s *Server) RAMQuota(ctx context.Context, in *SessionCall) (*ValueReply, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (ValueReply, error) {
		q, err := p.RAMQuota()
		return ValueReply{Value: uint64(q)}, err
	})
}

func (s *Server) UsedRAM(ctx context.Context, in *SessionCall) (*ValueReply, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (ValueReply, error) {
		q, err := p.UsedRAM()
		return ValueReply{Value: uint64(q)}, err
	})
}

func (s *Server) Alloc(ctx context.Context, in *AllocCall) (*CapReply, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (CapReply, error) {
		return capReply(p.Alloc(in.Size, pd.Cache(in.Cache)))
	})
}

func (s *Server) Free(ctx context.Context, in *CapCall) (*Empty, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (Empty, error) {
		return empty(p.Free(in.Cap))
	})
}

func (s *Server) DataspaceSize(ctx context.Context, in *CapCall) (*ValueReply, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (ValueReply, error) {
		size, err := p.DataspaceSize(in.Cap)
		return ValueReply{Value: size}, err
	})
}

func (s *Server) NativePD(ctx context.Context, in *SessionCall) (*CapReply, error) {
	return withSession(s, in.Session, func(p *pd.Proxy) (CapReply, error) {
		return capReply(p.NativePD())
	})
}

func (s *Server) Attach(ctx context.Context, in *AttachCall) (*ValueReply, error) {
	rm, err := s.regionMap(in.RegionMap)
	if err != nil {
		return nil, err
	}

	addr, err := rm.Attach(
		in.Dataspace,
		in.Size,
		in.Offset,
		in.UseLocalAddr,
		in.LocalAddr,
		in.Executable,
	)
	if err != nil {
		return nil, err
	}

	return &ValueReply{Value: addr}, nil
}

func (s *Server) Detach(ctx context.Context, in *DetachCall) (*Empty, error) {
	rm, err := s.regionMap(in.RegionMap)
	if err != nil {
		return nil, err
	}

	if err := rm.Detach(in.Addr); err != nil {
		return nil, err
	}

	return &Empty{}, nil
}

func (s *Server) FaultHandler(ctx context.Context, in *FaultHandlerCall) (*Empty, error) {
	rm, err := s.regionMap(in.RegionMap)
	if err != nil {
		return nil, err
	}

	if err := rm.FaultHandler(in.Handler); err != nil {
		return nil, err
	}

	return &Empty{}, nil
}

func (s *Server) State(ctx context.Context, in *RegionMapCall) (*StateReply, error) {
	rm, err := s.regionMap(in.RegionMap)
	if err != nil {
		return nil, err
	}

	state, err := rm.State()
	if err != nil {
		return nil, err
	}

	return &StateReply{State: state}, nil
}

func (s *Server) Dataspace(ctx context.Context, in *RegionMapCall) (*CapReply, error) {
	rm, err := s.regionMap(in.RegionMap)
	if err != nil {
		return nil, err
	}

	ds, err := rm.Dataspace()
	if err != nil {
		return nil, err
	}

	return &CapReply{Cap: ds}, nil
}
