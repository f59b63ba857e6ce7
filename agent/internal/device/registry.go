package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"booth-agent/agent/internal/command"
)

var (
	ErrUnknownProvider = errors.New("no device for provider")
	ErrUnknownDevice   = errors.New("unknown device")
	ErrAmbiguous       = errors.New("several devices match; device_id required")
	ErrDuplicateDevice = errors.New("duplicate device id")
)

// Registry holds the configured device services, keyed by device id.
type Registry struct {
	services []Service
	byID     map[string]Service
}

// NewRegistry builds a service for every config.
func NewRegistry(cfgs []Config) (*Registry, error) {
	svcs := make([]Service, 0, len(cfgs))
	for _, c := range cfgs {
		s, err := New(c)
		if err != nil {
			for _, built := range svcs {
				_ = built.Close()
			}
			return nil, err
		}
		svcs = append(svcs, s)
	}
	return RegistryOf(svcs...)
}

// RegistryOf wraps already built services.
func RegistryOf(svcs ...Service) (*Registry, error) {
	r := &Registry{byID: make(map[string]Service, len(svcs))}
	for _, s := range svcs {
		if _, dup := r.byID[s.ID()]; dup {
			return nil, fmt.Errorf("%w %q", ErrDuplicateDevice, s.ID())
		}
		r.byID[s.ID()] = s
		r.services = append(r.services, s)
	}
	sort.Slice(r.services, func(i, j int) bool { return r.services[i].ID() < r.services[j].ID() })
	return r, nil
}

func (r *Registry) All() []Service { return r.services }

func (r *Registry) Get(id string) (Service, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// Resolve picks the service for cmd: by DeviceID when given, otherwise the
// single device of ProviderID that supports the command kind.
func (r *Registry) Resolve(cmd *command.Command) (Service, error) {
	if cmd.DeviceID != "" {
		s, ok := r.byID[cmd.DeviceID]
		if !ok || !strings.EqualFold(s.Provider(), cmd.ProviderID) {
			return nil, fmt.Errorf("%w %q for provider %q", ErrUnknownDevice, cmd.DeviceID, cmd.ProviderID)
		}
		return s, nil
	}
	var found []Service
	for _, s := range r.services {
		if strings.EqualFold(s.Provider(), cmd.ProviderID) && s.Supports(cmd.Kind) {
			found = append(found, s)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w %q handling %s", ErrUnknownProvider, cmd.ProviderID, cmd.Kind)
	case 1:
		return found[0], nil
	}
	return nil, fmt.Errorf("%w: provider %q", ErrAmbiguous, cmd.ProviderID)
}

// Inventory is the free-form description sent at registration.
func (r *Registry) Inventory() string {
	parts := make([]string, 0, len(r.services))
	for _, s := range r.services {
		parts = append(parts, fmt.Sprintf("%s:%s(%s)", s.Kind(), s.ID(), s.Provider()))
	}
	return strings.Join(parts, ",")
}

func (r *Registry) Close() error {
	var errs []error
	for _, s := range r.services {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
