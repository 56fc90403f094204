package core

import (
	"testing"

	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/pd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPD(t *testing.T, args string) (*Platform, *PD) {
	t.Helper()

	pl := NewPlatform(capability.NewAllocator(), nil)

	conn, err := pl.Open(args)
	require.NoError(t, err)

	t.Cleanup(func() { conn.Close() })

	return pl, conn.(*PD)
}

func TestOpenQuotas(t *testing.T) {
	scenarios := map[string]struct {
		args string
		caps capability.CapQuota
		ram  capability.RAMQuota
	}{
		"defaults": {
			args: `label="x"`,
			caps: DefaultCapQuota,
			ram:  DefaultRAMQuota,
		},
		"explicit": {
			args: `label="x", cap_quota=3, ram_quota=8K`,
			caps: 3,
			ram:  8 << 10,
		},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			_, p := openPD(t, data.args)

			caps, err := p.CapQuota()
			require.NoError(t, err)
			assert.Equal(t, data.caps, caps)

			ram, err := p.RAMQuota()
			require.NoError(t, err)
			assert.Equal(t, data.ram, ram)

			assert.Equal(t, "x", p.Label())
		})
	}
}

func TestCapQuotaEnforced(t *testing.T) {
	pl, p := openPD(t, "cap_quota=2")

	_, err := p.AllocSignalSource()
	require.NoError(t, err)
	_, err = p.AllocRPCCap(capability.Cap{Badge: 1000})
	require.NoError(t, err)

	_, err = p.AllocSignalSource()
	assert.ErrorIs(t, err, capability.ErrCapQuotaExceeded)

	require.NoError(t, pl.Upgrade(p.Cap(), "cap_quota=1"))

	_, err = p.AllocSignalSource()
	assert.NoError(t, err)

	used, err := p.UsedCaps()
	require.NoError(t, err)
	assert.Equal(t, capability.CapQuota(3), used)
}

func TestSignalLifecycle(t *testing.T) {
	_, p := openPD(t, "")

	_, err := p.AllocContext(capability.Cap{Badge: 4242}, 1)
	assert.ErrorIs(t, err, capability.ErrInvalidCap, "context needs a live source")

	src, err := p.AllocSignalSource()
	require.NoError(t, err)

	ctx, err := p.AllocContext(src, 0xfeed)
	require.NoError(t, err)

	require.NoError(t, p.Submit(ctx, 3))
	require.NoError(t, p.Submit(ctx, 2))
	assert.Equal(t, uint64(5), p.Pending(ctx))

	require.NoError(t, p.FreeContext(ctx))
	assert.ErrorIs(t, p.FreeContext(ctx), capability.ErrInvalidCap)
	assert.ErrorIs(t, p.Submit(ctx, 1), capability.ErrInvalidCap)

	require.NoError(t, p.FreeSignalSource(src))
	assert.ErrorIs(t, p.FreeSignalSource(src), capability.ErrInvalidCap)

	used, err := p.UsedCaps()
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestRPCCaps(t *testing.T) {
	_, p := openPD(t, "")

	_, err := p.AllocRPCCap(capability.Invalid)
	assert.ErrorIs(t, err, capability.ErrInvalidCap)

	c, err := p.AllocRPCCap(capability.Cap{Badge: 77})
	require.NoError(t, err)

	require.NoError(t, p.FreeRPCCap(c))
	assert.ErrorIs(t, p.FreeRPCCap(c), capability.ErrInvalidCap)
}

func TestDataspaces(t *testing.T) {
	_, p := openPD(t, "ram_quota=16K")

	_, err := p.Alloc(0, pd.Cached)
	assert.ErrorIs(t, err, capability.ErrInvalidDataspace)

	ds, err := p.Alloc(100, pd.Cached)
	require.NoError(t, err)

	size, err := p.DataspaceSize(ds)
	require.NoError(t, err)
	assert.Equal(t, uint64(PageSize), size, "size is page-rounded")

	_, err = p.Alloc(16<<10, pd.Uncached)
	assert.ErrorIs(t, err, capability.ErrRAMQuotaExceeded)

	used, err := p.UsedRAM()
	require.NoError(t, err)
	assert.Equal(t, capability.RAMQuota(PageSize), used)

	require.NoError(t, p.Free(ds))
	assert.ErrorIs(t, p.Free(ds), capability.ErrInvalidCap)

	_, err = p.DataspaceSize(ds)
	assert.ErrorIs(t, err, capability.ErrInvalidCap)
}

func TestTransferQuota(t *testing.T) {
	pl, a := openPD(t, "cap_quota=10, ram_quota=8K")

	conn, err := pl.Open("cap_quota=1, ram_quota=0")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, a.RefAccount(conn.Cap()))
	assert.ErrorIs(t, a.RefAccount(capability.Cap{Badge: 9999}), capability.ErrInvalidCap)

	require.NoError(t, a.TransferCapQuota(conn.Cap(), 4))
	require.NoError(t, a.TransferRAMQuota(conn.Cap(), 4<<10))

	assert.ErrorIs(t, a.TransferCapQuota(conn.Cap(), 7), capability.ErrCapQuotaExceeded)
	assert.ErrorIs(t, a.TransferRAMQuota(conn.Cap(), 8<<10), capability.ErrRAMQuotaExceeded)
	assert.ErrorIs(t, a.TransferCapQuota(capability.Cap{Badge: 9999}, 1), capability.ErrInvalidCap)

	caps, err := conn.CapQuota()
	require.NoError(t, err)
	assert.Equal(t, capability.CapQuota(5), caps)

	ram, err := conn.RAMQuota()
	require.NoError(t, err)
	assert.Equal(t, capability.RAMQuota(4<<10), ram)
}

func TestRegionMapAttach(t *testing.T) {
	pl, p := openPD(t, "")

	ds, err := p.Alloc(0x4000, pd.Cached)
	require.NoError(t, err)

	c, err := p.AddressSpace()
	require.NoError(t, err)

	rm, err := pl.RegionMap(c)
	require.NoError(t, err)

	scenarios := []struct {
		name         string
		size         uint64
		offset       int64
		useLocalAddr bool
		localAddr    uint64
		addr         uint64
		err          error
	}{
		{name: "first fit at base", size: 0x1000, addr: 0x1000},
		{name: "next free", size: 0x2000, addr: 0x2000},
		{name: "local addr", size: 0x1000, useLocalAddr: true, localAddr: 0x10000, addr: 0x10000},
		{name: "local addr overlap", size: 0x1000, useLocalAddr: true, localAddr: 0x2000, err: capability.ErrRegionConflict},
		{name: "unaligned local addr", size: 0x1000, useLocalAddr: true, localAddr: 0x20800, err: capability.ErrRegionConflict},
		{name: "offset beyond dataspace", size: 0x1000, offset: 0x4000, err: capability.ErrInvalidDataspace},
		{name: "negative offset", size: 0x1000, offset: -1, err: capability.ErrInvalidDataspace},
		{name: "size beyond dataspace", size: 0x2000, offset: 0x3000, err: capability.ErrInvalidDataspace},
		{name: "rest of dataspace", size: 0, offset: 0x1000, addr: 0x4000},
	}

	for _, s := range scenarios {
		addr, err := rm.Attach(ds, s.size, s.offset, s.useLocalAddr, s.localAddr, false)
		if s.err != nil {
			assert.ErrorIs(t, err, s.err, s.name)
			continue
		}

		require.NoError(t, err, s.name)
		assert.Equal(t, s.addr, addr, s.name)
	}

	_, err = rm.Attach(capability.Cap{Badge: 9999}, 0x1000, 0, false, 0, false)
	assert.ErrorIs(t, err, capability.ErrInvalidCap)
}

func TestRegionMapDetach(t *testing.T) {
	pl, p := openPD(t, "")

	ds, err := p.Alloc(0x3000, pd.Cached)
	require.NoError(t, err)

	c, err := p.StackArea()
	require.NoError(t, err)

	rmi, err := pl.RegionMap(c)
	require.NoError(t, err)
	rm := rmi.(*RegionMap)

	addr, err := rm.Attach(ds, 0x3000, 0, false, 0, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(RegionMapBase), addr)

	require.NoError(t, rm.Detach(0x100000), "unknown address is a no-op")
	assert.Equal(t, 1, rm.Regions())

	require.NoError(t, rm.Detach(addr+0x1000))
	assert.Equal(t, 0, rm.Regions())

	again, err := rm.Attach(ds, 0x1000, 0, false, 0, false)
	require.NoError(t, err)
	assert.Equal(t, addr, again, "freed range is reused")
}

func TestRegionMapAsDataspace(t *testing.T) {
	pl, p := openPD(t, "")

	stack, err := p.StackArea()
	require.NoError(t, err)

	rm, err := pl.RegionMap(stack)
	require.NoError(t, err)

	ds, err := rm.Dataspace()
	require.NoError(t, err)

	size, err := p.DataspaceSize(ds)
	require.NoError(t, err)
	assert.Equal(t, uint64(StackAreaSize), size)

	as, err := p.AddressSpace()
	require.NoError(t, err)

	asm, err := pl.RegionMap(as)
	require.NoError(t, err)

	_, err = asm.Attach(ds, 0, 0, false, 0, false)
	assert.NoError(t, err)

	state, err := rm.State()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), state.Addr)
}

func TestCloseReleasesEverything(t *testing.T) {
	pl := NewPlatform(capability.NewAllocator(), nil)

	conn, err := pl.Open("")
	require.NoError(t, err)

	ds, err := conn.Alloc(0x1000, pd.Cached)
	require.NoError(t, err)

	as, err := conn.AddressSpace()
	require.NoError(t, err)

	assert.Equal(t, 1, pl.Len())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	assert.Equal(t, 0, pl.Len())

	_, err = pl.RegionMap(as)
	assert.ErrorIs(t, err, capability.ErrInvalidCap)

	_, err = pl.dataspaceSize(ds)
	assert.ErrorIs(t, err, capability.ErrInvalidCap)

	_, err = conn.AllocSignalSource()
	assert.ErrorIs(t, err, capability.ErrInvalidCap)

	assert.ErrorIs(t, pl.Upgrade(conn.Cap(), "ram_quota=1K"), capability.ErrInvalidCap)
}
