// Package status serves a read-only HTTP view of netcfgd's state.
package status

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/nyiyui/netcfg/change"
	"github.com/nyiyui/netcfg/device"
	"github.com/nyiyui/netcfg/subscription"
	"go.uber.org/zap"
)

// Identity is the observer identity the status server subscribes as.
const Identity subscription.Identity = "local:status"

// keep is how many recent events are kept.
const keep = 64

type SessionLister interface {
	Sessions() []device.Session
}

type ProtectionLister interface {
	Pids() []int
	Tracked(pid int) int
}

type Server struct {
	mux       *http.ServeMux
	registry  *subscription.Registry
	sessions  SessionLister
	protector ProtectionLister

	recentLock sync.RWMutex
	recent     []Event
}

// NewServer returns a server. Any argument may be nil; the matching endpoint
// then answers 404.
func NewServer(registry *subscription.Registry, sessions SessionLister, protector ProtectionLister) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		registry:  registry,
		sessions:  sessions,
		protector: protector,
	}
	s.setup()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) setup() {
	s.mux.HandleFunc("GET /v1/subscribers", s.getSubscribers)
	s.mux.HandleFunc("GET /v1/sessions", s.getSessions)
	s.mux.HandleFunc("GET /v1/protected", s.getProtected)
	s.mux.HandleFunc("GET /v1/events", s.getEvents)
	s.mux.HandleFunc("GET /v1/mask/{mask}", s.getMask)
}

type Event struct {
	Kind    string            `json:"kind"`
	Device  string            `json:"device"`
	Details map[string]string `json:"details"`
	Text    string            `json:"text"`
}

// Record keeps ev for /v1/events.
func (s *Server) Record(ev change.Event) {
	s.recentLock.Lock()
	defer s.recentLock.Unlock()
	s.recent = append(s.recent, Event{
		Kind:    ev.Kind.Label(true),
		Device:  ev.Device,
		Details: ev.Details.Map(),
		Text:    ev.String(),
	})
	if len(s.recent) > keep {
		s.recent = s.recent[len(s.recent)-keep:]
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	_, err = w.Write(data)
	if err != nil {
		zap.S().Debugf("status: write response: %s", err)
	}
}

type Subscriber struct {
	Identity string   `json:"identity"`
	Mask     uint32   `json:"mask"`
	Kinds    []string `json:"kinds"`
}

func (s *Server) getSubscribers(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		http.Error(w, "subscriptions not enabled", 404)
		return
	}
	subs := s.registry.List()
	resp := make([]Subscriber, len(subs))
	for i, sub := range subs {
		resp[i] = Subscriber{
			Identity: string(sub.Identity),
			Mask:     uint32(sub.Mask),
			Kinds:    change.KindsInMask(sub.Mask, true),
		}
	}
	writeJSON(w, resp)
}

func (s *Server) getSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "tunnel management not enabled", 404)
		return
	}
	writeJSON(w, s.sessions.Sessions())
}

type Protected struct {
	Pid      int `json:"pid"`
	Commands int `json:"commands"`
}

func (s *Server) getProtected(w http.ResponseWriter, r *http.Request) {
	if s.protector == nil {
		http.Error(w, "socket protection not enabled", 404)
		return
	}
	pids := s.protector.Pids()
	resp := make([]Protected, len(pids))
	for i, pid := range pids {
		resp[i] = Protected{Pid: pid, Commands: s.protector.Tracked(pid)}
	}
	writeJSON(w, resp)
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	s.recentLock.RLock()
	resp := make([]Event, len(s.recent))
	copy(resp, s.recent)
	s.recentLock.RUnlock()
	writeJSON(w, resp)
}

type Mask struct {
	Mask      uint32 `json:"mask"`
	Labels    string `json:"labels"`
	Technical string `json:"technical"`
}

func (s *Server) getMask(w http.ResponseWriter, r *http.Request) {
	m, err := change.ParseMask(r.PathValue("mask"))
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, Mask{
		Mask:      uint32(m),
		Labels:    change.MaskToString(m, false),
		Technical: change.MaskToString(m, true),
	})
}
