package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/enclave/internal/logging"
	"grimm.is/enclave/internal/plan"
)

func knownTunnels(names ...string) TunnelLookup {
	set := make(map[string]bool)
	for _, n := range names {
		set[n] = true
	}
	return func(n string) bool { return set[n] }
}

func openStore(t *testing.T, dir string, segs []plan.Segment, tunnels ...string) *Store {
	t.Helper()
	s, err := Open(dir, segs, knownTunnels(tunnels...), logging.Discard())
	require.NoError(t, err)
	return s
}

func listDir(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	out := make(map[string]string)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		out[e.Name()] = string(data)
	}
	return out
}

func TestOpen_MaterializesDefaults(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, plan.DefaultSegments())

	all, err := s.All()
	require.NoError(t, err)
	assert.Equal(t, map[string]Target{
		"mgmt":    Blocked,
		"pentest": Blocked,
		"office":  Blocked,
		"browse":  Blocked,
		"dev":     Direct,
		"shared":  Blocked,
	}, all)

	info, err := os.Stat(s.Dir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(s.Dir(), "pentest"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.Equal(t, []string{"mgmt", "pentest", "office", "browse", "dev", "shared"}, s.Segments())
}

func TestOpen_KeepsExistingRecords(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, plan.DefaultSegments(), "wg0")
	require.NoError(t, s.Set("pentest", "wg0"))

	// The tunnel is gone after restart: the record is kept as-is.
	s2 := openStore(t, dir, plan.DefaultSegments())
	got, err := s2.Get("pentest")
	require.NoError(t, err)
	assert.Equal(t, Target("wg0"), got)
}

func TestSet(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, plan.DefaultSegments(), "wg0")

	require.NoError(t, s.Set("pentest", "wg0"))
	got, err := s.Get("pentest")
	require.NoError(t, err)
	assert.Equal(t, Target("wg0"), got)

	require.NoError(t, s.Set("pentest", Direct))
	data, err := os.ReadFile(filepath.Join(s.Dir(), "pentest"))
	require.NoError(t, err)
	assert.Equal(t, "direct\n", string(data))
}

func TestSet_InvalidLeavesStoreUntouched(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, plan.DefaultSegments(), "wg0")
	before := listDir(t, s.Dir())

	assert.ErrorIs(t, s.Set("nosuch", Direct), ErrUnknownSegment)
	assert.ErrorIs(t, s.Set("pentest", "wg9"), ErrUnknownTunnel)
	assert.ErrorIs(t, s.Set("pentest", ""), ErrInvalidTarget)
	assert.ErrorIs(t, s.Set("pentest", "../../etc"), ErrInvalidTarget)

	assert.Equal(t, before, listDir(t, s.Dir()))
}

func TestGet_UnknownSegment(t *testing.T) {
	s := openStore(t, t.TempDir(), plan.DefaultSegments())
	_, err := s.Get("nosuch")
	assert.ErrorIs(t, err, ErrUnknownSegment)
}

func TestGet_CorruptRecordIsFatal(t *testing.T) {
	s := openStore(t, t.TempDir(), plan.DefaultSegments())
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "office"), []byte("\n"), 0600))

	_, err := s.Get("office")
	assert.ErrorIs(t, err, ErrStoreFatal)
	_, err = s.All()
	assert.ErrorIs(t, err, ErrStoreFatal)
}

func TestGet_MissingRecordIsFatal(t *testing.T) {
	s := openStore(t, t.TempDir(), plan.DefaultSegments())
	require.NoError(t, os.Remove(filepath.Join(s.Dir(), "office")))

	_, err := s.Get("office")
	assert.ErrorIs(t, err, ErrStoreFatal)
}

func TestOpen_DescriptorDefault(t *testing.T) {
	segs := []plan.Segment{
		{Name: "pentest", Index: 2, DefaultTarget: "wg0"},
		{Name: "lab", Index: 7, DefaultTarget: "bad/target"},
	}
	s := openStore(t, t.TempDir(), segs)
	all, err := s.All()
	require.NoError(t, err)
	assert.Equal(t, Target("wg0"), all["pentest"])
	assert.Equal(t, Blocked, all["lab"])
}

func TestParseTarget(t *testing.T) {
	for _, ok := range []string{"direct", "blocked", "wg0", "ovpn-eu1", " tun0 "} {
		_, err := ParseTarget(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"", "a/b", "wg 0", "averyveryverylongname"} {
		_, err := ParseTarget(bad)
		assert.ErrorIs(t, err, ErrInvalidTarget, bad)
	}
	assert.True(t, Target("wg0").IsTunnel())
	assert.False(t, Direct.IsTunnel())
	assert.Equal(t, "", Blocked.Tunnel())
}

func TestLock(t *testing.T) {
	dir := t.TempDir()
	release, err := Lock(dir)
	require.NoError(t, err)

	_, err = Lock(dir)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release())

	release2, err := Lock(dir)
	require.NoError(t, err)
	require.NoError(t, release2())
}

func TestSnapshot_ReadsWithoutWriting(t *testing.T) {
	dir := t.TempDir()
	segs := plan.DefaultSegments()

	snap, err := Snapshot(dir, segs)
	require.NoError(t, err)
	assert.Equal(t, Direct, snap["dev"])
	assert.Equal(t, Blocked, snap["pentest"])
	_, err = os.Stat(filepath.Join(dir, AssignmentsDir))
	assert.True(t, os.IsNotExist(err), "snapshot creates nothing")

	s := openStore(t, dir, segs, "wg0")
	require.NoError(t, s.Set("pentest", Target("wg0")))
	snap, err = Snapshot(dir, segs)
	require.NoError(t, err)
	assert.Equal(t, Target("wg0"), snap["pentest"])

	require.NoError(t, os.WriteFile(filepath.Join(dir, AssignmentsDir, "office"), []byte("a/b"), 0600))
	_, err = Snapshot(dir, segs)
	assert.ErrorIs(t, err, ErrStoreFatal)
}
