// Package host describes the machines being monitored: their address,
// resolved computer name, cluster label and, optionally, an explicit map of
// process names to the management ports each process instance listens on.
package host

import (
	"fmt"
	"sort"
	"strings"
)

// Process is one running instance of a named process type, reachable on a port.
type Process struct {
	Name   string
	Port   int
	Number int
}

// Host is an immutable description of a monitored machine.
type Host struct {
	address      string
	computerName string
	cluster      string
	specifyPorts bool
	processes    map[string][]Process
}

// New creates a Host. The processes map is copied; it may be nil.
func New(address, computerName, cluster string, specifyPorts bool, processes map[string][]Process) *Host {
	h := &Host{
		address:      address,
		computerName: computerName,
		cluster:      cluster,
		specifyPorts: specifyPorts,
		processes:    make(map[string][]Process, len(processes)),
	}
	for name, procs := range processes {
		cp := make([]Process, len(procs))
		copy(cp, procs)
		for i := range cp {
			cp[i].Name = name
		}
		h.processes[strings.ToLower(name)] = cp
	}
	if h.computerName == "" {
		h.computerName = address
	}
	return h
}

// Address returns the network address used to reach the host.
func (h *Host) Address() string { return h.address }

// Name returns the canonical computer name.
func (h *Host) Name() string { return h.computerName }

// Cluster returns the cluster label, possibly empty.
func (h *Host) Cluster() string { return h.cluster }

// SpecifyPorts reports whether ports are enumerated explicitly for this host.
func (h *Host) SpecifyPorts() bool { return h.specifyPorts }

// Processes returns the explicit process list for a process-type name
// (case-insensitive). The second result is false if none is configured.
func (h *Host) Processes(name string) ([]Process, bool) {
	procs, ok := h.processes[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	out := make([]Process, len(procs))
	copy(out, procs)
	return out, true
}

// ProcessNames returns the configured process-type names in sorted order.
func (h *Host) ProcessNames() []string {
	names := make([]string, 0, len(h.processes))
	for _, procs := range h.processes {
		if len(procs) > 0 {
			names = append(names, procs[0].Name)
		}
	}
	sort.Strings(names)
	return names
}

func (h *Host) String() string {
	return fmt.Sprintf(`%s\%s\%s`, h.cluster, h.address, h.computerName)
}

// Registry is the static, ordered set of hosts to monitor.
type Registry struct {
	hosts []*Host
}

// NewRegistry creates a registry holding the given hosts in order.
func NewRegistry(hosts ...*Host) *Registry {
	r := &Registry{}
	r.hosts = append(r.hosts, hosts...)
	return r
}

// All returns the hosts in registration order.
func (r *Registry) All() []*Host {
	out := make([]*Host, len(r.hosts))
	copy(out, r.hosts)
	return out
}

// Len returns the number of hosts.
func (r *Registry) Len() int { return len(r.hosts) }

// Lookup finds a host by computer name or address (case-insensitive).
func (r *Registry) Lookup(name string) (*Host, bool) {
	for _, h := range r.hosts {
		if strings.EqualFold(h.computerName, name) || strings.EqualFold(h.address, name) {
			return h, true
		}
	}
	return nil, false
}
