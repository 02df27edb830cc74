//go:build linux

package dhcp

import (
	"context"

	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"

	"grimm.is/ipclient/internal/network"
)

// nclientExchanger adapts nclient4 to Exchanger.
type nclientExchanger struct {
	c *nclient4.Client
}

func dialNative(params *network.InterfaceParams) (Exchanger, error) {
	c, err := nclient4.New(params.Name)
	if err != nil {
		return nil, err
	}
	return &nclientExchanger{c: c}, nil
}

func (e *nclientExchanger) Request(ctx context.Context) (*Lease, error) {
	l, err := e.c.Request(ctx)
	if err != nil {
		return nil, err
	}
	return &Lease{Offer: l.Offer, ACK: l.ACK, CreationTime: l.CreationTime}, nil
}

func (e *nclientExchanger) Renew(ctx context.Context, lease *Lease) (*Lease, error) {
	offer := lease.Offer
	if offer == nil {
		// nclient4 matches the server identifier of the offer.
		offer = lease.ACK
	}
	l, err := e.c.Renew(ctx, &nclient4.Lease{Offer: offer, ACK: lease.ACK, CreationTime: lease.CreationTime})
	if err != nil {
		return nil, err
	}
	return &Lease{Offer: l.Offer, ACK: l.ACK, CreationTime: l.CreationTime}, nil
}

func (e *nclientExchanger) Close() error { return e.c.Close() }
