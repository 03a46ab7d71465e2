package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nyiyui/netcfg/change"
	"github.com/nyiyui/netcfg/device"
	"github.com/nyiyui/netcfg/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions []device.Session

func (f fakeSessions) Sessions() []device.Session { return f }

type fakeProtector map[int]int

func (f fakeProtector) Pids() []int {
	var pids []int
	for pid := range f {
		pids = append(pids, pid)
	}
	return pids
}

func (f fakeProtector) Tracked(pid int) int { return f[pid] }

func get(t *testing.T, s *Server, path string, v any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	if rec.Code == 200 && v != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
	}
	return rec.Code
}

func TestSubscribers(t *testing.T) {
	registry := subscription.NewRegistry()
	registry.Subscribe("rpc:1", change.MaskOf(change.RouteAdded, change.RouteRemoved))
	s := NewServer(registry, nil, nil)

	var got []Subscriber
	require.Equal(t, 200, get(t, s, "/v1/subscribers", &got))
	want := []Subscriber{{
		Identity: "rpc:1",
		Mask:     uint32(change.MaskOf(change.RouteAdded, change.RouteRemoved)),
		Kinds:    []string{"ROUTE_ADDED", "ROUTE_REMOVED"},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("subscribers (-want +got):\n%s", diff)
	}
}

func TestDisabledEndpoints(t *testing.T) {
	s := NewServer(nil, nil, nil)
	assert.Equal(t, 404, get(t, s, "/v1/subscribers", nil))
	assert.Equal(t, 404, get(t, s, "/v1/sessions", nil))
	assert.Equal(t, 404, get(t, s, "/v1/protected", nil))
	assert.Equal(t, 404, get(t, s, "/v1/nope", nil))
}

func TestSessionsAndProtected(t *testing.T) {
	sessions := fakeSessions{{Pid: 100, Device: "tun0", Active: true}}
	s := NewServer(nil, sessions, fakeProtector{100: 2})

	var gotSessions []device.Session
	require.Equal(t, 200, get(t, s, "/v1/sessions", &gotSessions))
	assert.Equal(t, []device.Session(sessions), gotSessions)

	var gotProtected []Protected
	require.Equal(t, 200, get(t, s, "/v1/protected", &gotProtected))
	assert.Equal(t, []Protected{{Pid: 100, Commands: 2}}, gotProtected)
}

func TestEvents(t *testing.T) {
	s := NewServer(nil, nil, nil)
	for i := 0; i < keep+3; i++ {
		s.Record(change.NewEvent(change.DNSServerAdded, "tun0", "server", fmt.Sprintf("10.8.0.%d", i)))
	}
	var got []Event
	require.Equal(t, 200, get(t, s, "/v1/events", &got))
	require.Len(t, got, keep)
	assert.Equal(t, Event{
		Kind:    "DNS_SERVER_ADDED",
		Device:  "tun0",
		Details: map[string]string{"server": "10.8.0.3"},
		Text:    "Device tun0 - DNS Server Added: server='10.8.0.3'",
	}, got[0])
}

func TestMask(t *testing.T) {
	s := NewServer(nil, nil, nil)
	var got Mask
	require.Equal(t, 200, get(t, s, "/v1/mask/ROUTE_ADDED,dns_server_added", &got))
	assert.Equal(t, Mask{
		Mask:      uint32(change.MaskOf(change.RouteAdded, change.DNSServerAdded)),
		Labels:    "Route Added, DNS Server Added",
		Technical: "ROUTE_ADDED, DNS_SERVER_ADDED",
	}, got)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/v1/mask/FROBNICATED", nil))
}
