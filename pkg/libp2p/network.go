package libp2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peerstore"
)

// bootstrap seeds the peerstore with the configured peers, dials them, and
// starts the DHT refresh and the connectivity maintenance loop.
func (e *Endpoint) bootstrap() {
	for _, pi := range e.cfg.Bootstrap {
		if pi.ID == e.host.ID() {
			continue
		}
		e.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
		e.connectAsync(pi)
	}

	if e.dht != nil {
		if err := e.dht.Bootstrap(e.ctx); err != nil {
			log.Warnw("DHT bootstrap failed", "err", err)
		}
	}

	if len(e.cfg.Bootstrap) > 0 {
		e.wg.Add(1)
		go e.maintainNetwork()
	}
}

// maintainNetwork re-dials the seed peers whenever connectivity runs low.
func (e *Endpoint) maintainNetwork() {
	defer e.wg.Done()
	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.ensureConnectivity()
		}
	}
}

func (e *Endpoint) ensureConnectivity() {
	connected := len(e.host.Network().Peers())
	if connected >= lowPeers {
		return
	}
	log.Infow("low connectivity, re-dialing bootstrap peers", "connected", connected)
	for _, pi := range e.cfg.Bootstrap {
		if pi.ID == e.host.ID() {
			continue
		}
		e.connectAsync(pi)
	}
}
