package mdns

import "context"

// Module adapts an Advertiser to a statically-registered broker
// extension: Init starts the mDNS record, Close withdraws it, and
// Reload re-registers it with the same port and domain names that were
// given to NewModule.
type Module struct {
	adv         *Advertiser
	port        int
	domainNames []string
}

// NewModule returns a Module that advertises the broker on port with
// domainNames as TXT metadata once Init is called.
func NewModule(adv *Advertiser, port int, domainNames []string) *Module {
	return &Module{adv: adv, port: port, domainNames: domainNames}
}

func (m *Module) Name() string { return "mdns" }

func (m *Module) Init(context.Context) error {
	return m.adv.Start(m.port, m.domainNames)
}

func (m *Module) Close(context.Context) error {
	m.adv.Stop()
	return nil
}

func (m *Module) Reload(context.Context) error {
	return m.adv.Start(m.port, m.domainNames)
}
