package probe

import (
	"context"
	"fmt"
	"net"

	"github.com/Paintersrp/procwatch/internal/config"
)

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type tcpProber struct {
	address string
	dial    dialFunc
}

func newTCPProber(spec *config.TCPProbeSpec) *tcpProber {
	var d net.Dialer
	return &tcpProber{address: spec.Address, dial: d.DialContext}
}

// Probe succeeds once the address accepts a connection.
func (p *tcpProber) Probe(ctx context.Context) error {
	conn, err := p.dial(ctx, "tcp", p.address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.address, err)
	}
	return conn.Close()
}
