package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/pd"
	"github.com/nixpig/rtcr/internal/regionmap"
	"github.com/nixpig/rtcr/internal/session"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultTimeout bounds calls made through the session and region-map
// clients, whose interfaces carry no context.
const DefaultTimeout = 10 * time.Second

// Client talks to an rtcrd over its unix socket.
type Client struct {
	cc *grpc.ClientConn

	// Timeout applies per call made without a context.
	Timeout time.Duration
}

// Dial connects to the daemon listening on socket.
func Dial(socket string) (*Client, error) {
	cc, err := grpc.NewClient(
		"unix:"+socket,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socket, err)
	}

	return &Client{cc: cc, Timeout: DefaultTimeout}, nil
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}

	return c.cc.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any) (*Resp, error) {
	out := new(Resp)

	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, mapRPC(err)
	}

	return out, nil
}

// call invokes method with the client timeout.
func call[Resp any](c *Client, method string, in any) (*Resp, error) {
	ctx := context.Background()

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	return invoke[Resp](ctx, c, method, in)
}

// CreateSession creates an intercepted session and returns its capability.
func (c *Client) CreateSession(ctx context.Context, args string) (capability.Cap, error) {
	r, err := invoke[CapReply](ctx, c, "CreateSession", &CreateRequest{Args: args})
	if err != nil {
		return capability.Invalid, err
	}

	return r.Cap, nil
}

func (c *Client) UpgradeSession(ctx context.Context, s capability.Cap, args string) error {
	_, err := invoke[Empty](ctx, c, "UpgradeSession", &UpgradeRequest{Session: s, Args: args})
	return err
}

func (c *Client) DestroySession(ctx context.Context, s capability.Cap) error {
	_, err := invoke[Empty](ctx, c, "DestroySession", &SessionCall{Session: s})
	return err
}

func (c *Client) ListSessions(ctx context.Context) ([]session.Info, error) {
	r, err := invoke[ListReply](ctx, c, "ListSessions", &ListRequest{})
	if err != nil {
		return nil, err
	}

	return r.Sessions, nil
}

// Snapshot returns the ledgers of session s, or of every session when s is
// invalid.
func (c *Client) Snapshot(ctx context.Context, s capability.Cap) ([]session.Snapshot, error) {
	r, err := invoke[SnapshotReply](ctx, c, "Snapshot", &SnapshotRequest{Session: s})
	if err != nil {
		return nil, err
	}

	return r.Snapshots, nil
}

// SetBootstrap sets the bootstrap phase and returns its previous value.
func (c *Client) SetBootstrap(ctx context.Context, active bool) (bool, error) {
	r, err := invoke[BootstrapReply](ctx, c, "SetBootstrap", &BootstrapRequest{Active: active})
	if err != nil {
		return false, err
	}

	return r.Previous, nil
}

// Session returns a pd.Session addressing the session s.
func (c *Client) Session(s capability.Cap) *SessionClient {
	return &SessionClient{c: c, session: s}
}

// RegionMap returns a regionmap.RegionMap addressing the region map rm.
func (c *Client) RegionMap(rm capability.Cap) *RegionMapClient {
	return &RegionMapClient{c: c, rm: rm}
}

var _ pd.Session = (*SessionClient)(nil)

// SessionClient is the remote side of an intercepted protection domain.
type SessionClient struct {
	c       *Client
	session capability.Cap
}

func (s *SessionClient) Cap() capability.Cap {
	return s.session
}

func (s *SessionClient) capCall(method string, in any) (capability.Cap, error) {
	r, err := call[CapReply](s.c, method, in)
	if err != nil {
		return capability.Invalid, err
	}

	return r.Cap, nil
}

func (s *SessionClient) value(method string) (uint64, error) {
	r, err := call[ValueReply](s.c, method, &SessionCall{Session: s.session})
	if err != nil {
		return 0, err
	}

	return r.Value, nil
}

func (s *SessionClient) empty(method string, in any) error {
	_, err := call[Empty](s.c, method, in)
	return err
}

func (s *SessionClient) AssignParent(parent capability.Cap) error {
	return s.empty("AssignParent", &CapCall{Session: s.session, Cap: parent})
}

func (s *SessionClient) AssignPCI(addr uint64, bdf uint16) (bool, error) {
	r, err := call[BoolReply](s.c, "AssignPCI", &PCICall{Session: s.session, Addr: addr, BDF: bdf})
	if err != nil {
		return false, err
	}

	return r.Value, nil
}

func (s *SessionClient) Map(virt, size uint64) error {
	return s.empty("Map", &MapCall{Session: s.session, Virt: virt, Size: size})
}

func (s *SessionClient) AllocSignalSource() (capability.Cap, error) {
	return s.capCall("AllocSignalSource", &SessionCall{Session: s.session})
}

func (s *SessionClient) FreeSignalSource(source capability.Cap) error {
	return s.empty("FreeSignalSource", &CapCall{Session: s.session, Cap: source})
}

func (s *SessionClient) AllocContext(source capability.Cap, imprint uint64) (capability.Cap, error) {
	return s.capCall("AllocContext", &ContextCall{Session: s.session, Source: source, Imprint: imprint})
}

func (s *SessionClient) FreeContext(context capability.Cap) error {
	return s.empty("FreeContext", &CapCall{Session: s.session, Cap: context})
}

func (s *SessionClient) Submit(context capability.Cap, count uint32) error {
	return s.empty("Submit", &SubmitCall{Session: s.session, Context: context, Count: count})
}

func (s *SessionClient) AllocRPCCap(ep capability.Cap) (capability.Cap, error) {
	return s.capCall("AllocRPCCap", &CapCall{Session: s.session, Cap: ep})
}

func (s *SessionClient) FreeRPCCap(c capability.Cap) error {
	return s.empty("FreeRPCCap", &CapCall{Session: s.session, Cap: c})
}

func (s *SessionClient) AddressSpace() (capability.Cap, error) {
	return s.capCall("AddressSpace", &SessionCall{Session: s.session})
}

func (s *SessionClient) StackArea() (capability.Cap, error) {
	return s.capCall("StackArea", &SessionCall{Session: s.session})
}

func (s *SessionClient) LinkerArea() (capability.Cap, error) {
	return s.capCall("LinkerArea", &SessionCall{Session: s.session})
}

func (s *SessionClient) RefAccount(account capability.Cap) error {
	return s.empty("RefAccount", &CapCall{Session: s.session, Cap: account})
}

func (s *SessionClient) TransferCapQuota(to capability.Cap, amount capability.CapQuota) error {
	return s.empty("TransferCapQuota", &TransferCall{Session: s.session, To: to, Amount: uint64(amount)})
}

func (s *SessionClient) TransferRAMQuota(to capability.Cap, amount capability.RAMQuota) error {
	return s.empty("TransferRAMQuota", &TransferCall{Session: s.session, To: to, Amount: uint64(amount)})
}

func (s *SessionClient) CapQuota() (capability.CapQuota, error) {
	v, err := s.value("CapQuota")
	return capability.CapQuota(v), err
}

func (s *SessionClient) UsedCaps() (capability.CapQuota, error) {
	v, err := s.value("UsedCaps")
	return capability.CapQuota(v), err
}

func (s *SessionClient) RAMQuota() (capability.RAMQuota, error) {
	v, err := s.value("RAMQuota")
	return capability.RAMQuota(v), err
}

func (s *SessionClient) UsedRAM() (capability.RAMQuota, error) {
	v, err := s.value("UsedRAM")
	return capability.RAMQuota(v), err
}

func (s *SessionClient) Alloc(size uint64, cache pd.Cache) (capability.Cap, error) {
	return s.capCall("Alloc", &AllocCall{Session: s.session, Size: size, Cache: int(cache)})
}

func (s *SessionClient) Free(ds capability.Cap) error {
	return s.empty("Free", &CapCall{Session: s.session, Cap: ds})
}

func (s *SessionClient) DataspaceSize(ds capability.Cap) (uint64, error) {
	r, err := call[ValueReply](s.c, "DataspaceSize", &CapCall{Session: s.session, Cap: ds})
	if err != nil {
		return 0, err
	}

	return r.Value, nil
}

func (s *SessionClient) NativePD() (capability.Cap, error) {
	return s.capCall("NativePD", &SessionCall{Session: s.session})
}

var _ regionmap.RegionMap = (*RegionMapClient)(nil)

// RegionMapClient is the remote side of an intercepted region map.
type RegionMapClient struct {
	c  *Client
	rm capability.Cap
}

func (r *RegionMapClient) Attach(
	ds capability.Cap,
	size uint64,
	offset int64,
	useLocalAddr bool,
	localAddr uint64,
	executable bool,
) (uint64, error) {
	reply, err := call[ValueReply](r.c, "Attach", &AttachCall{
		RegionMap:    r.rm,
		Dataspace:    ds,
		Size:         size,
		Offset:       offset,
		UseLocalAddr: useLocalAddr,
		LocalAddr:    localAddr,
		Executable:   executable,
	})
	if err != nil {
		return 0, err
	}

	return reply.Value, nil
}

func (r *RegionMapClient) Detach(addr uint64) error {
	_, err := call[Empty](r.c, "Detach", &DetachCall{RegionMap: r.rm, Addr: addr})
	return err
}

func (r *RegionMapClient) FaultHandler(handler capability.Cap) error {
	_, err := call[Empty](r.c, "FaultHandler", &FaultHandlerCall{RegionMap: r.rm, Handler: handler})
	return err
}

func (r *RegionMapClient) State() (regionmap.State, error) {
	reply, err := call[StateReply](r.c, "State", &RegionMapCall{RegionMap: r.rm})
	if err != nil {
		return regionmap.State{}, err
	}

	return reply.State, nil
}

func (r *RegionMapClient) Dataspace() (capability.Cap, error) {
	reply, err := call[CapReply](r.c, "Dataspace", &RegionMapCall{RegionMap: r.rm})
	if err != nil {
		return capability.Invalid, err
	}

	return reply.Cap, nil
}
