package domain

import "context"

// Dispatcher evaluates configured domains in a deterministic order
// (configuration order) and returns the first whose selector accepts an
// incoming connection's credentials.
type Dispatcher struct {
	domains []*Domain
}

// NewDispatcher returns a Dispatcher over domains, preserving order.
func NewDispatcher(domains []*Domain) *Dispatcher {
	return &Dispatcher{domains: domains}
}

// FindByIndications picks the first active domain whose selector matches
// any of username, clientID, or serverName. password is not used for
// selection, only for the subsequent authentication step against the
// selected domain.
func (disp *Dispatcher) FindByIndications(username, clientID, serverName string) *Domain {
	for _, d := range disp.domains {
		if !d.Active() {
			continue
		}
		if d.Matches(username, clientID, serverName) {
			return d
		}
	}
	return nil
}

// ByName returns the domain with the given name, or nil.
func (disp *Dispatcher) ByName(name string) *Domain {
	for _, d := range disp.domains {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// All returns every configured domain, in configuration order.
func (disp *Dispatcher) All() []*Domain { return disp.domains }

// Close releases every domain's resources.
func (disp *Dispatcher) Close(ctx context.Context) {
	for _, d := range disp.domains {
		d.Close(ctx)
	}
}
