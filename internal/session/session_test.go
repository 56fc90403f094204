package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nixpig/rtcr/internal/bootstrap"
	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/core"
	"github.com/nixpig/rtcr/internal/pd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFactory(t *testing.T, stateDir string) (*Factory, *core.Platform) {
	t.Helper()

	alloc := capability.NewAllocator()
	platform := core.NewPlatform(alloc, nil)

	f, err := New(&Opts{
		Backend:  platform,
		Space:    capability.NewSpace(alloc),
		Phase:    bootstrap.NewPhase(true),
		StateDir: stateDir,
	})
	require.NoError(t, err)

	t.Cleanup(func() { f.Close() })

	return f, platform
}

func TestNewRequiresBackendAndSpace(t *testing.T) {
	_, err := New(&Opts{})
	assert.Error(t, err)

	_, err = New(&Opts{Backend: core.NewPlatform(capability.NewAllocator(), nil)})
	assert.Error(t, err)
}

func TestCreate(t *testing.T) {
	f, platform := newFactory(t, "")

	c, err := f.Create(`label="init -> sheep_counter", ram_quota=64K, cap_quota=10`)
	require.NoError(t, err)
	assert.True(t, c.Valid())

	proxy, ok := f.Lookup(c)
	require.True(t, ok)
	assert.Equal(t, "init -> sheep_counter", proxy.Label())
	assert.Equal(t, c, proxy.Cap())

	infos := f.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, c, infos[0].Cap())
	assert.Equal(t, "init -> sheep_counter", infos[0].Label)
	assert.Equal(t, capability.CapQuota(10), infos[0].CapQuota)
	assert.Equal(t, capability.RAMQuota(64<<10), infos[0].RAMQuota)
	assert.NotEmpty(t, infos[0].ID)

	assert.Equal(t, 1, platform.Len())
}

func TestUpgradeMergesQuotas(t *testing.T) {
	f, _ := newFactory(t, "")

	c, err := f.Create(`label="x", ram_quota=8K, cap_quota=2`)
	require.NoError(t, err)

	require.NoError(t, f.Upgrade(c, "ram_quota=4K"))
	require.NoError(t, f.Upgrade(c, "ram_quota=4096, cap_quota=3"))

	snap, err := f.Snapshot(c)
	require.NoError(t, err)
	assert.Equal(t, "ram_quota=8192, cap_quota=3", snap.UpgradeArgs)

	proxy, _ := f.Lookup(c)
	ram, err := proxy.RAMQuota()
	require.NoError(t, err)
	assert.Equal(t, capability.RAMQuota(16<<10), ram)

	caps, err := proxy.CapQuota()
	require.NoError(t, err)
	assert.Equal(t, capability.CapQuota(5), caps)
}

func TestUpgradeUnknownSession(t *testing.T) {
	f, _ := newFactory(t, "")

	err := f.Upgrade(capability.Cap{Badge: 12345}, "ram_quota=4K")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestMergeUpgrade(t *testing.T) {
	scenarios := map[string]struct {
		acc  string
		args string
		want string
	}{
		"empty accumulator": {
			acc:  "",
			args: "ram_quota=1K",
			want: "ram_quota=1024",
		},
		"summed": {
			acc:  "ram_quota=1024",
			args: "ram_quota=1M",
			want: "ram_quota=1049600",
		},
		"other keys ignored": {
			acc:  "cap_quota=1",
			args: `label="y", cap_quota=2`,
			want: "cap_quota=3",
		},
		"malformed amount counts as zero": {
			acc:  "cap_quota=1",
			args: "ram_quota=lots, cap_quota=2",
			want: "cap_quota=3",
		},
		"overflowing amount counts as zero": {
			acc:  "ram_quota=1024",
			args: "ram_quota=0xFFFFFFFFFFFFFFFFK",
			want: "ram_quota=1024",
		},
		"overflowing sum keeps accumulator": {
			acc:  "ram_quota=18446744073709551615",
			args: "ram_quota=1",
			want: "ram_quota=18446744073709551615",
		},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			assert.Equal(t, data.want, mergeUpgrade(data.acc, data.args))
		})
	}
}

func TestUpgradeMalformedQuota(t *testing.T) {
	f, _ := newFactory(t, "")

	c, err := f.Create(`label="x", cap_quota=2`)
	require.NoError(t, err)

	require.NoError(t, f.Upgrade(c, "ram_quota=lots, cap_quota=3"))

	snap, err := f.Snapshot(c)
	require.NoError(t, err)
	assert.Equal(t, "cap_quota=3", snap.UpgradeArgs)

	proxy, _ := f.Lookup(c)
	caps, err := proxy.CapQuota()
	require.NoError(t, err)
	assert.Equal(t, capability.CapQuota(5), caps)
}

func TestDestroy(t *testing.T) {
	f, platform := newFactory(t, "")

	c, err := f.Create(`label="x"`)
	require.NoError(t, err)

	proxy, _ := f.Lookup(c)
	_, err = proxy.AllocSignalSource()
	require.NoError(t, err)

	require.NoError(t, f.Destroy(c))

	_, ok := f.Lookup(c)
	assert.False(t, ok)
	assert.Empty(t, f.Sessions())
	assert.Equal(t, 0, platform.Len())
	assert.Equal(t, 0, proxy.SignalSources().Len())

	assert.NoError(t, f.Destroy(c), "second destroy is a no-op")

	_, err = f.Snapshot(c)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestSnapshotAllInCreationOrder(t *testing.T) {
	f, _ := newFactory(t, "")

	labels := []string{"a", "b", "c", "d"}
	for _, l := range labels {
		_, err := f.Create(`label="` + l + `"`)
		require.NoError(t, err)
	}

	snaps := f.SnapshotAll()
	require.Len(t, snaps, len(labels))

	for i, s := range snaps {
		assert.Equal(t, labels[i], s.Label)
	}
}

func TestSnapshotBootstrapTags(t *testing.T) {
	alloc := capability.NewAllocator()
	phase := bootstrap.NewPhase(true)

	f, err := New(&Opts{
		Backend: core.NewPlatform(alloc, nil),
		Space:   capability.NewSpace(alloc),
		Phase:   phase,
	})
	require.NoError(t, err)
	defer f.Close()

	c, err := f.Create(`label="x"`)
	require.NoError(t, err)

	proxy, _ := f.Lookup(c)

	_, err = proxy.AllocSignalSource()
	require.NoError(t, err)

	phase.Set(false)

	_, err = proxy.AllocSignalSource()
	require.NoError(t, err)

	ds, err := proxy.Alloc(0x1000, pd.Cached)
	require.NoError(t, err)
	_, err = proxy.AddressSpaceProxy().Attach(ds, 0, 0, false, 0, false)
	require.NoError(t, err)

	snap, err := f.Snapshot(c)
	require.NoError(t, err)

	require.Len(t, snap.PD.SignalSources, 2)
	assert.True(t, snap.PD.SignalSources[0].Bootstrapped)
	assert.False(t, snap.PD.SignalSources[1].Bootstrapped)

	require.Len(t, snap.PD.AddressSpace.Attachments, 1)
	assert.False(t, snap.PD.AddressSpace.Attachments[0].Bootstrapped)
	assert.Equal(t, uint64(0x1000), snap.PD.AddressSpace.Attachments[0].Size)
}

func TestCloseDestroysAll(t *testing.T) {
	alloc := capability.NewAllocator()
	platform := core.NewPlatform(alloc, nil)

	f, err := New(&Opts{Backend: platform, Space: capability.NewSpace(alloc)})
	require.NoError(t, err)

	for range 3 {
		_, err := f.Create("")
		require.NoError(t, err)
	}

	require.NoError(t, f.Close())
	assert.Empty(t, f.Sessions())
	assert.Equal(t, 0, platform.Len())
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	f, _ := newFactory(t, dir)

	c, err := f.Create(`label="persisted", ram_quota=8K`)
	require.NoError(t, err)
	require.NoError(t, f.Upgrade(c, "ram_quota=4K"))

	records, err := LoadRecords(dir)
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.Equal(t, c.Badge, records[0].Badge)
	assert.Equal(t, "persisted", records[0].Label)
	assert.Equal(t, `label="persisted", ram_quota=8K`, records[0].Args)
	assert.Equal(t, "ram_quota=4096", records[0].UpgradeArgs)
	assert.False(t, records[0].Created.IsZero())

	require.NoError(t, f.Destroy(c))

	records, err = LoadRecords(dir)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStateDirLocked(t *testing.T) {
	dir := t.TempDir()
	newFactory(t, dir)

	alloc := capability.NewAllocator()
	_, err := New(&Opts{
		Backend:  core.NewPlatform(alloc, nil),
		Space:    capability.NewSpace(alloc),
		StateDir: dir,
	})
	assert.ErrorIs(t, err, ErrStateDirInUse)
}

func TestStaleRecordsDiscarded(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, saveRecord(dir, Record{ID: "stale", Label: "old"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray"), []byte("x"), 0o644))

	newFactory(t, dir)

	_, err := os.Stat(filepath.Join(dir, "stale"))
	assert.True(t, os.IsNotExist(err))

	records, err := LoadRecords(dir)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLoadRecordsMalformed(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bad"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad", stateFilename), []byte("{"), 0o644))

	_, err := LoadRecords(dir)
	assert.Error(t, err)

	_, err = LoadRecords(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
