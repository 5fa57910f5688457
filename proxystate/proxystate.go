// Package proxystate keeps the process wide health record of the roles. The
// record is written on terminal failures and read by the health monitor and
// the metrics exporter.
package proxystate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnhealthy is returned by IsHealthy when at least one role is down.
var ErrUnhealthy = errors.New("proxy unhealthy")

// Status is the health of a single role.
type Status uint8

const (
	// StatusUp means the role is running or has not failed yet.
	StatusUp Status = iota

	// StatusDown means the role failed terminally.
	StatusDown
)

// String returns a human readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	default:
		return fmt.Sprintf("<unknown status %d>", uint8(s))
	}
}

// DownstreamType names the kind of downstream a record refers to.
type DownstreamType uint8

const (
	// JdClientMiningDownstream is the mining downstream served by the
	// job declarator client.
	JdClientMiningDownstream DownstreamType = iota

	// TranslatorDownstream is the downstream served by a translator
	// proxy.
	TranslatorDownstream
)

// String returns a human readable name of the downstream type.
func (t DownstreamType) String() string {
	switch t {
	case JdClientMiningDownstream:
		return "jdc-mining-downstream"
	case TranslatorDownstream:
		return "translator-downstream"
	default:
		return fmt.Sprintf("<unknown downstream %d>", uint8(t))
	}
}

// DownstreamState is the health record of one downstream kind.
type DownstreamState struct {
	Status Status
	Type   DownstreamType
}

// DownstreamUp returns the record of a healthy downstream of the given type.
func DownstreamUp(t DownstreamType) DownstreamState {
	return DownstreamState{Status: StatusUp, Type: t}
}

// DownstreamDown returns the record of a failed downstream of the given type.
func DownstreamDown(t DownstreamType) DownstreamState {
	return DownstreamState{Status: StatusDown, Type: t}
}

// String returns the record as "type:status".
func (d DownstreamState) String() string {
	return fmt.Sprintf("%v:%v", d.Type, d.Status)
}

// Snapshot is a copy of the record at one point in time.
type Snapshot struct {
	Upstream         Status
	TemplateProvider Status
	JobDeclarator    Status
	Downstream       map[DownstreamType]Status
}

// down returns the names of all roles that are down, sorted.
func (s Snapshot) down() []string {
	var down []string
	if s.Upstream == StatusDown {
		down = append(down, "upstream")
	}
	if s.TemplateProvider == StatusDown {
		down = append(down, "template-provider")
	}
	if s.JobDeclarator == StatusDown {
		down = append(down, "job-declarator")
	}
	for t, status := range s.Downstream {
		if status == StatusDown {
			down = append(down, t.String())
		}
	}
	sort.Strings(down)

	return down
}

// Registry is a lock guarded health record. All updates are idempotent.
type Registry struct {
	mu sync.RWMutex

	upstream         Status
	templateProvider Status
	jobDeclarator    Status
	downstream       map[DownstreamType]Status
}

// NewRegistry creates a record with every role up.
func NewRegistry() *Registry {
	return &Registry{
		downstream: make(map[DownstreamType]Status),
	}
}

// UpdateDownstreamState records the state of one downstream kind. Other
// kinds and roles are left untouched.
func (r *Registry) UpdateDownstreamState(state DownstreamState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.downstream[state.Type] != state.Status {
		log.Infof("Downstream state changed: %v", state)
	}
	r.downstream[state.Type] = state.Status
}

// UpdateUpstreamState records the state of the pool connection.
func (r *Registry) UpdateUpstreamState(status Status) {
	r.update(&r.upstream, "upstream", status)
}

// UpdateTpState records the state of the template provider connection.
func (r *Registry) UpdateTpState(status Status) {
	r.update(&r.templateProvider, "template provider", status)
}

// UpdateJdState records the state of the job declarator connection.
func (r *Registry) UpdateJdState(status Status) {
	r.update(&r.jobDeclarator, "job declarator", status)
}

func (r *Registry) update(field *Status, name string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if *field != status {
		log.Infof("State of %s changed: %v -> %v", name, *field,
			status)
	}
	*field = status
}

// DownstreamStatus returns the recorded status of a downstream kind.
func (r *Registry) DownstreamStatus(t DownstreamType) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.downstream[t]
}

// Snapshot returns a copy of the whole record.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ds := make(map[DownstreamType]Status, len(r.downstream))
	for t, s := range r.downstream {
		ds[t] = s
	}

	return Snapshot{
		Upstream:         r.upstream,
		TemplateProvider: r.templateProvider,
		JobDeclarator:    r.jobDeclarator,
		Downstream:       ds,
	}
}

// IsHealthy returns nil if every role is up, and an error naming the roles
// that are down otherwise.
func (r *Registry) IsHealthy() error {
	down := r.Snapshot().down()
	if len(down) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %s down", ErrUnhealthy,
		strings.Join(down, ", "))
}

// Reset marks every role up again.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.upstream = StatusUp
	r.templateProvider = StatusUp
	r.jobDeclarator = StatusUp
	r.downstream = make(map[DownstreamType]Status)
}

// global is the record shared by the whole process.
var global = NewRegistry()

// Global returns the process wide record.
func Global() *Registry {
	return global
}

// UpdateDownstreamState records the state of one downstream kind in the
// process wide record.
func UpdateDownstreamState(state DownstreamState) {
	global.UpdateDownstreamState(state)
}

// UpdateUpstreamState records the pool connection state in the process wide
// record.
func UpdateUpstreamState(status Status) {
	global.UpdateUpstreamState(status)
}

// UpdateTpState records the template provider state in the process wide
// record.
func UpdateTpState(status Status) {
	global.UpdateTpState(status)
}

// UpdateJdState records the job declarator state in the process wide record.
func UpdateJdState(status Status) {
	global.UpdateJdState(status)
}

// IsHealthy checks the process wide record.
func IsHealthy() error {
	return global.IsHealthy()
}
