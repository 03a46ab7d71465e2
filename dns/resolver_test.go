package dns

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nyiyui/netcfg/change"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []change.Event
}

func (r *recorder) Publish(ev change.Event) { r.events = append(r.events, ev) }

func (r *recorder) take() []change.Event {
	events := r.events
	r.events = nil
	return events
}

const originalResolvConf = `# managed by hand
nameserver 192.168.1.1
search home.arpa
options ndots:2
`

func setup(t *testing.T) (*Resolver, *recorder, string) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte(originalResolvConf), 0644))
	rec := new(recorder)
	return NewResolver(path, rec), rec, path
}

func TestApplyRestore(t *testing.T) {
	r, rec, path := setup(t)

	require.NoError(t, r.Apply("tun0", []string{"10.8.0.1"}, []string{"corp.example"}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `# generated by netcfgd for tun0
search corp.example home.arpa
nameserver 10.8.0.1
options ndots:2
`, string(data))

	want := []change.Event{
		change.NewEvent(change.DNSServerRemoved, "tun0", "server", "192.168.1.1"),
		change.NewEvent(change.DNSServerAdded, "tun0", "server", "10.8.0.1"),
		change.NewEvent(change.DNSSearchAdded, "tun0", "domain", "corp.example"),
	}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Fatalf("apply events (-want +got):\n%s", diff)
	}

	require.NoError(t, r.Restore("tun0"))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, originalResolvConf, string(data))

	want = []change.Event{
		change.NewEvent(change.DNSServerRemoved, "tun0", "server", "10.8.0.1"),
		change.NewEvent(change.DNSServerAdded, "tun0", "server", "192.168.1.1"),
		change.NewEvent(change.DNSSearchRemoved, "tun0", "domain", "corp.example"),
	}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Fatalf("restore events (-want +got):\n%s", diff)
	}
}

func TestRestoreUnknown(t *testing.T) {
	r, rec, path := setup(t)
	require.NoError(t, r.Restore("tun9"))
	assert.Empty(t, rec.events)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, originalResolvConf, string(data))
}

func TestApplyNothing(t *testing.T) {
	r, rec, _ := setup(t)
	require.NoError(t, r.Apply("tun0", nil, nil))
	assert.Empty(t, rec.events)
	require.NoError(t, r.Restore("tun0"))
	assert.Empty(t, rec.events)
}

func TestStackedTunnels(t *testing.T) {
	r, rec, path := setup(t)
	require.NoError(t, r.Apply("tun0", []string{"10.8.0.1"}, nil))
	require.NoError(t, r.Apply("tun1", []string{"10.9.0.1"}, nil))
	rec.take()

	require.NoError(t, r.Restore("tun1"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "nameserver 10.8.0.1")
	assert.NotContains(t, string(data), "10.9.0.1")

	// tun1 is already gone
	require.NoError(t, r.Restore("tun1"))
	rec.take()

	require.NoError(t, r.Restore("tun0"))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, originalResolvConf, string(data))
}

func TestApplyWithoutFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	r := NewResolver(path, nil)
	require.NoError(t, r.Apply("tun0", []string{"10.8.0.1"}, nil))
	_, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, r.Restore("tun0"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

// lockChecker records whether the resolver lock was free during each Publish.
type lockChecker struct {
	r    *Resolver
	free []bool
}

func (c *lockChecker) Publish(change.Event) {
	ok := c.r.lock.TryLock()
	if ok {
		c.r.lock.Unlock()
	}
	c.free = append(c.free, ok)
}

func TestPublishOutsideLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte(originalResolvConf), 0644))
	c := new(lockChecker)
	c.r = NewResolver(path, c)

	require.NoError(t, c.r.Apply("tun0", []string{"10.8.0.1"}, []string{"corp.example"}))
	require.NoError(t, c.r.Restore("tun0"))
	require.Len(t, c.free, 6)
	for i, free := range c.free {
		assert.True(t, free, "event %d published under the resolver lock", i)
	}
}

func TestSetDifference(t *testing.T) {
	type test struct {
		a, b, want []string
	}
	tests := []test{
		{[]string{"10.0.0.1", "10.0.0.2"}, []string{"10.0.0.1"}, []string{"10.0.0.2"}},
		{[]string{"10.0.0.1", "10.0.0.2"}, []string{"10.0.0.3"}, []string{"10.0.0.1", "10.0.0.2"}},
		{[]string{"10.0.0.1"}, []string{"10.0.0.1", "10.0.0.2"}, []string{}},
		{nil, nil, []string{}},
	}
	for _, tt := range tests {
		got := setDifference(tt.a, tt.b)
		if !cmp.Equal(got, tt.want) {
			t.Errorf("setDifference(%v, %v) = %v; want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
