// Package dns points the system resolver at a tunnel's DNS servers and
// reports the server and search-domain changes this causes.
package dns

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/nyiyui/netcfg/change"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ev change.Event)
}

type settings struct {
	servers []string
	search  []string
}

// Resolver manages a resolv.conf file. The tunnel applied last wins; when it
// is restored, the previous one (or the original file) takes over again.
type Resolver struct {
	path string
	pub  Publisher

	lock sync.Mutex
	// original is the file as it was before the first Apply.
	original []byte
	// originalMissing is set if there was no file before the first Apply.
	originalMissing bool
	applied         map[string]settings
	// order lists devices in order of application.
	order []string
}

func NewResolver(path string, pub Publisher) *Resolver {
	return &Resolver{
		path:    path,
		pub:     pub,
		applied: map[string]settings{},
	}
}

func (r *Resolver) read() ([]byte, *dns.ClientConfig, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &dns.ClientConfig{}, err
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", r.path, err)
	}
	cc, err := dns.ClientConfigFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", r.path, err)
	}
	return data, cc, nil
}

func (r *Resolver) write(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".resolv.conf.")
	if err != nil {
		return fmt.Errorf("writing %s: %w", r.path, err)
	}
	defer os.Remove(tmp.Name())
	_, err = tmp.Write(data)
	if err2 := tmp.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", r.path, err)
	}
	err = os.Chmod(tmp.Name(), 0644)
	if err != nil {
		return fmt.Errorf("writing %s: %w", r.path, err)
	}
	return os.Rename(tmp.Name(), r.path)
}

func render(device string, s settings, base *dns.ClientConfig) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# generated by netcfgd for %s\n", device)
	if len(s.search) > 0 {
		fmt.Fprintf(&b, "search %s\n", strings.Join(s.search, " "))
	}
	for _, server := range s.servers {
		fmt.Fprintf(&b, "nameserver %s\n", server)
	}
	var options []string
	if base.Ndots > 1 {
		options = append(options, fmt.Sprintf("ndots:%d", base.Ndots))
	}
	if base.Timeout > 0 && base.Timeout != 5 {
		options = append(options, fmt.Sprintf("timeout:%d", base.Timeout))
	}
	if base.Attempts > 0 && base.Attempts != 2 {
		options = append(options, fmt.Sprintf("attempts:%d", base.Attempts))
	}
	if len(options) > 0 {
		fmt.Fprintf(&b, "options %s\n", strings.Join(options, " "))
	}
	return b.Bytes()
}

// Apply makes servers the only nameservers and puts search in front of the
// original search domains.
func (r *Resolver) Apply(device string, servers, search []string) error {
	if len(servers) == 0 && len(search) == 0 {
		return nil
	}
	events, err := r.apply(device, servers, search)
	r.publish(events)
	return err
}

func (r *Resolver) apply(device string, servers, search []string) ([]change.Event, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	data, current, err := r.read()
	missing := errors.Is(err, fs.ErrNotExist)
	if err != nil && !missing {
		return nil, err
	}
	if len(r.order) == 0 {
		r.original = data
		r.originalMissing = missing
	}
	base, err := r.originalConfig()
	if err != nil {
		return nil, err
	}

	s := settings{
		servers: slices.Clone(servers),
		search:  union(search, base.Search),
	}
	err = r.write(render(device, s, base))
	if err != nil {
		return nil, err
	}
	r.applied[device] = s
	r.order = slices.DeleteFunc(r.order, func(d string) bool { return d == device })
	r.order = append(r.order, device)
	zap.S().Infof("applied dns for %s: servers %v, search %v.", device, s.servers, s.search)

	return changes(device, settings{servers: current.Servers, search: current.Search}, s), nil
}

// Restore undoes Apply for device. Unknown devices are ignored.
func (r *Resolver) Restore(device string) error {
	events, err := r.restore(device)
	r.publish(events)
	return err
}

func (r *Resolver) restore(device string) ([]change.Event, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	old, ok := r.applied[device]
	if !ok {
		return nil, nil
	}
	delete(r.applied, device)
	wasTop := r.order[len(r.order)-1] == device
	r.order = slices.DeleteFunc(r.order, func(d string) bool { return d == device })
	if !wasTop {
		return nil, nil
	}

	base, err := r.originalConfig()
	if err != nil {
		return nil, err
	}
	next := settings{servers: base.Servers, search: base.Search}
	if len(r.order) == 0 {
		if r.originalMissing {
			err = os.Remove(r.path)
			if errors.Is(err, fs.ErrNotExist) {
				err = nil
			}
		} else {
			err = r.write(r.original)
		}
		r.original = nil
	} else {
		top := r.order[len(r.order)-1]
		next = r.applied[top]
		err = r.write(render(top, next, base))
	}
	if err != nil {
		return nil, err
	}
	zap.S().Infof("restored dns after %s.", device)
	return changes(device, old, next), nil
}

func (r *Resolver) originalConfig() (*dns.ClientConfig, error) {
	if r.originalMissing || len(r.original) == 0 {
		return &dns.ClientConfig{}, nil
	}
	cc, err := dns.ClientConfigFromReader(bytes.NewReader(r.original))
	if err != nil {
		return nil, fmt.Errorf("parsing original %s: %w", r.path, err)
	}
	return cc, nil
}

// changes lists the events of going from one set of settings to another.
func changes(device string, from, to settings) []change.Event {
	var events []change.Event
	for _, server := range setDifference(from.servers, to.servers) {
		events = append(events, change.NewEvent(change.DNSServerRemoved, device, "server", server))
	}
	for _, server := range setDifference(to.servers, from.servers) {
		events = append(events, change.NewEvent(change.DNSServerAdded, device, "server", server))
	}
	for _, domain := range setDifference(from.search, to.search) {
		events = append(events, change.NewEvent(change.DNSSearchRemoved, device, "domain", domain))
	}
	for _, domain := range setDifference(to.search, from.search) {
		events = append(events, change.NewEvent(change.DNSSearchAdded, device, "domain", domain))
	}
	return events
}

// publish is called without r.lock held.
func (r *Resolver) publish(events []change.Event) {
	if r.pub == nil {
		return
	}
	for _, ev := range events {
		r.pub.Publish(ev)
	}
}
