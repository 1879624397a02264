package pcp

import (
	"context"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hlandau/gwmap/gwerr"
	"github.com/hlandau/gwmap/gwtypes"
	"github.com/hlandau/gwmap/internal/gwrt"
	"github.com/hlandau/gwmap/mapping"
	"github.com/hlandau/gwmap/queue"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("gwmap/pcp")

// Port is the well-known PCP server port (RFC 6887 §7, same port as
// NAT-PMP, which PCP supersedes).
const Port = 5351

// refreshInterval is the single scheduler tick PCP uses to scan for
// mappings needing renewal (spec §4.D "Auto-refresh scheduler (PCP)").
const refreshInterval = 15 * time.Second

// epochDriftTolerance is the maximum seconds of drift between successive
// projected epochs that is NOT treated as a server reboot (spec §4.E).
const epochDriftTolerance = 10 * time.Second

// minTTL is the floor a caller's requested TTL is clamped to (spec §6).
const minTTL = 120 * time.Second

// Gateway is a PCP (RFC 6887) gateway runtime.
type Gateway struct {
	host   net.IP
	family gwrt.Family
	table  *mapping.Table
	q      *queue.Queue

	mu         sync.Mutex
	state      gwrt.State
	epochSet   bool
	knownEpoch int64

	refreshStop chan struct{}
	refreshWG   sync.WaitGroup
}

// New constructs a PCP gateway against gatewayIP and confirms the server
// actually speaks PCP by sending ANNOUNCE, per spec §4.E and §6 ("the
// gateway's isPCPSupported() must succeed before it is returned to the
// caller"). The ANNOUNCE is tried from each local address in turn, and
// New fails if none of them gets an answer.
func New(gatewayIP net.IP) (*Gateway, error) {
	family := gwrt.FamilyIPv4
	if gatewayIP.To4() == nil {
		family = gwrt.FamilyIPv6
	}

	q, err := queue.New(&net.UDPAddr{IP: gatewayIP, Port: Port}, DecodeOpcode)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		host:   gatewayIP,
		family: family,
		table:  mapping.New(),
		q:      q,
		state:  gwrt.StateConnecting,
	}

	if err := g.announce(); err != nil {
		q.Close()
		return nil, err
	}

	g.mu.Lock()
	g.state = gwrt.StateListening
	g.mu.Unlock()

	g.startRefresher()
	return g, nil
}

// IsSupported probes gatewayIP with a standalone ANNOUNCE, without
// constructing a lasting Gateway. This is the free-standing form of
// isPCPSupported() mentioned in spec §4.E.
func IsSupported(gatewayIP net.IP) (bool, error) {
	q, err := queue.New(&net.UDPAddr{IP: gatewayIP, Port: Port}, DecodeOpcode)
	if err != nil {
		return false, err
	}
	defer q.Close()

	_, err = announceOnce(q, gatewayIP)
	return err == nil, err
}

// announce sends ANNOUNCE from each local address in turn with a 3s
// per-try budget, stopping at the first success (spec §4.E).
func (g *Gateway) announce() error {
	addrs, err := gwrt.LocalAddresses(g.family)
	if err != nil || len(addrs) == 0 {
		addrs = []net.IP{net.IPv4zero}
	}

	var lastErr error
	for _, local := range addrs {
		epoch, err := announceOnce(g.q, local)
		if err != nil {
			lastErr = err
			continue
		}
		g.recordEpoch(epoch)
		return nil
	}

	if lastErr != nil {
		log.Infof("pcp: ANNOUNCE failed on every local address, last error: %v", lastErr)
	}
	return gwerr.Policy("No PCP server found")
}

func announceOnce(q *queue.Queue, clientIP net.IP) (uint32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pkt := BuildAnnounceRequest(clientIP)
	resp, err := q.Enqueue(ctx, byte(OpAnnounce), pkt, nil)
	if err != nil {
		return 0, err
	}

	hdr, err := ParseResponseHeader(resp)
	if err != nil {
		return 0, err
	}
	if hdr.ResultCode != 0 {
		return 0, gwerr.NewGateway(hdr.ResultCode, ResultMessage(hdr.ResultCode))
	}
	return hdr.Epoch, nil
}

// recordEpoch projects the server's reported epoch onto wall-clock time
// and compares it to the last-known projection. A decrease, or drift past
// epochDriftTolerance, means the server rebooted; every live mapping is
// then re-sent (spec §4.E, §8 S6).
func (g *Gateway) recordEpoch(serverEpoch uint32) {
	projected := time.Now().Unix() - int64(serverEpoch)

	g.mu.Lock()
	if !g.epochSet {
		g.knownEpoch = projected
		g.epochSet = true
		g.mu.Unlock()
		return
	}

	drift := projected - g.knownEpoch
	absDrift := drift
	if absDrift < 0 {
		absDrift = -absDrift
	}
	changed := drift < 0 || absDrift > int64(epochDriftTolerance/time.Second)
	if changed {
		g.knownEpoch = projected
	}
	g.mu.Unlock()

	if changed {
		log.Infof("pcp: epoch change detected, remapping %d entries", len(g.table.GetAll()))
		go g.remap()
	}
}

// remap re-sends MAP for every table entry, tolerating per-entry failure
// (spec §4.E "Epoch monitoring").
func (g *Gateway) remap() {
	rows := g.table.GetAll()
	var wg sync.WaitGroup
	for _, m := range rows {
		wg.Add(1)
		go func(m mapping.Mapping) {
			defer wg.Done()
			_, err := g.Map(m.InternalPort, m.InternalHost, gwtypes.Options{
				Protocol:     m.Protocol,
				TTL:          m.Lifetime,
				AutoRefresh:  m.AutoRefresh,
				ExternalPort: m.ExternalPort,
			})
			if err != nil {
				log.Infof("pcp: remap of %s:%d/%s failed: %v", m.InternalHost, m.InternalPort, m.Protocol, err)
			}
		}(m)
	}
	wg.Wait()
}

func protoByteFor(proto string) (byte, error) {
	switch strings.ToUpper(proto) {
	case "TCP":
		return ProtoTCP, nil
	case "UDP":
		return ProtoUDP, nil
	default:
		return 0, gwerr.Input("pcp: protocol must be TCP or UDP")
	}
}

// Map sends a single PCP MAP request (spec §4.E, §6).
func (g *Gateway) Map(internalPort uint16, internalHost string, opts gwtypes.Options) (gwtypes.PortMapping, error) {
	opts = opts.WithDefaults()
	return g.mapRequest(internalPort, internalHost, opts, opts.TTL)
}

// mapRequest sends a single PCP MAP request with the given wire lifetime,
// kept as a parameter distinct from opts.TTL so Unmap can force a genuine
// zero-lifetime request without WithDefaults' TTL substitution (which
// turns a caller's TTL:0 into DefaultTTL before Map ever sees it) getting
// in the way.
func (g *Gateway) mapRequest(internalPort uint16, internalHost string, opts gwtypes.Options, requestedTTL time.Duration) (gwtypes.PortMapping, error) {
	proto := strings.ToUpper(opts.Protocol)

	protoByte, err := protoByteFor(proto)
	if err != nil {
		return gwtypes.PortMapping{}, err
	}

	ttl := requestedTTL
	if ttl > 0 && ttl < minTTL {
		ttl = minTTL
	}

	m, err := g.table.GetOrCreate(internalHost, internalPort, proto, opts.AutoRefresh)
	if err != nil {
		return gwtypes.PortMapping{}, err
	}
	m.AutoRefresh = opts.AutoRefresh

	pkt := BuildMapRequest(uint32(ttl/time.Second), net.ParseIP(internalHost), MapRequest{
		Nonce:                 m.Nonce,
		Protocol:              protoByte,
		InternalPort:          internalPort,
		SuggestedExternalPort: opts.ExternalPort,
	})

	cancelMapping := func() { g.table.Delete(internalHost, internalPort, proto) }
	resp, err := g.q.Enqueue(opts.Ctx, byte(OpMap), pkt, cancelMapping)
	if err != nil {
		return gwtypes.PortMapping{}, err
	}

	hdr, err := ParseResponseHeader(resp)
	if err != nil {
		return gwtypes.PortMapping{}, err
	}
	if hdr.ResultCode != 0 {
		return gwtypes.PortMapping{}, gwerr.NewGateway(hdr.ResultCode, ResultMessage(hdr.ResultCode))
	}

	mr, err := ParseMapResponse(resp)
	if err != nil {
		return gwtypes.PortMapping{}, err
	}
	if mr.InternalPort != internalPort {
		return gwtypes.PortMapping{}, gwerr.NewProtocol("PCP MAP response internal port mismatch")
	}
	if g.table.GetByNonce(mr.Nonce) == nil {
		return gwtypes.PortMapping{}, gwerr.NewProtocol("PCP MAP response nonce not found")
	}

	lifetime := time.Duration(hdr.Lifetime) * time.Second
	expiresAt := time.Now().Add(lifetime)
	g.table.Update(internalPort, proto, mr.Nonce, mr.ExternalIP.String(), mr.ExternalPort, expiresAt, lifetime)
	g.recordEpoch(hdr.Epoch)

	if ttl == 0 {
		// RFC 6887 unmap: a successful zero-lifetime MAP removes the row
		// rather than leaving it to idle out (spec §9 Open Question (a)).
		g.table.Delete(internalHost, internalPort, proto)
	}

	return gwtypes.PortMapping{
		ExternalHost: mr.ExternalIP.String(),
		ExternalPort: mr.ExternalPort,
		InternalHost: internalHost,
		InternalPort: internalPort,
		Protocol:     proto,
	}, nil
}

// MapAll maps internalPort on every non-internal local IPv4 (or IPv6,
// matching this gateway's family) address (spec §4.D).
func (g *Gateway) MapAll(internalPort uint16, opts gwtypes.Options) (<-chan gwtypes.PortMapping, error) {
	opts = opts.WithDefaults()
	return gwrt.MapAll(g.family, internalPort, opts, g.Map, func(host string, err error) {
		log.Infof("pcp: map on %s failed: %v", host, err)
	})
}

// Unmap re-issues MAP with lifetime=0 for the given port/protocol, per
// RFC 6887 (spec §4.E).
func (g *Gateway) Unmap(internalPort uint16, opts gwtypes.Options) error {
	opts = opts.WithDefaults()
	proto := strings.ToUpper(opts.Protocol)

	m := g.table.FindByPortAndProtocol(internalPort, proto)
	if m == nil {
		return gwerr.Input("pcp: no tracked mapping for that port and protocol")
	}

	unmapOpts := gwtypes.Options{
		Protocol:    proto,
		AutoRefresh: false,
		Ctx:         opts.Ctx,
	}.WithDefaults()

	_, err := g.mapRequest(internalPort, m.InternalHost, unmapOpts, 0)
	return err
}

// ExternalIP learns the externally-visible address via a throwaway MAP on
// an ephemeral ports, lifetime 120s, AutoRefresh off (spec §4.D, §8 S8).
func (g *Gateway) ExternalIP(opts gwtypes.Options) (string, error) {
	opts = opts.WithDefaults()

	addrs, err := gwrt.LocalAddresses(g.family)
	if err != nil || len(addrs) == 0 {
		addrs = []net.IP{g.host}
	}

	var lastErr error
	for _, ip := range addrs {
		port := uint16(49152 + rand.Intn(65535-49152+1))
		pm, err := g.Map(port, ip.String(), gwtypes.Options{
			Protocol:    "TCP",
			TTL:         120 * time.Second,
			AutoRefresh: false,
			Ctx:         opts.Ctx,
		})
		if err != nil {
			lastErr = err
			continue
		}
		g.table.Delete(ip.String(), port, "TCP")
		return pm.ExternalHost, nil
	}

	if lastErr != nil {
		return "", lastErr
	}
	return "", gwerr.Policy("pcp: no eligible local address for external IP lookup")
}

// GetMappings returns a snapshot of every tracked mapping.
func (g *Gateway) GetMappings() []gwtypes.MappingView {
	rows := g.table.GetAll()
	out := make([]gwtypes.MappingView, len(rows))
	for i, m := range rows {
		out[i] = gwtypes.MappingView{
			Protocol:     m.Protocol,
			InternalHost: m.InternalHost,
			InternalPort: m.InternalPort,
			ExternalHost: m.ExternalHost,
			ExternalPort: m.ExternalPort,
			ExpiresAt:    m.ExpiresAt,
			Lifetime:     m.Lifetime,
			AutoRefresh:  m.AutoRefresh,
		}
	}
	return out
}

func (g *Gateway) startRefresher() {
	g.refreshStop = make(chan struct{})
	g.refreshWG.Add(1)
	go func() {
		defer g.refreshWG.Done()
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.refreshTick()
			case <-g.refreshStop:
				return
			}
		}
	}()
}

func (g *Gateway) refreshTick() {
	rows := g.table.GetExpiring(time.Now())
	var wg sync.WaitGroup
	for _, m := range rows {
		wg.Add(1)
		go func(m *mapping.Mapping) {
			defer wg.Done()
			_, err := g.Map(m.InternalPort, m.InternalHost, gwtypes.Options{
				Protocol:     m.Protocol,
				TTL:          m.Lifetime,
				AutoRefresh:  true,
				ExternalPort: m.ExternalPort,
			})
			if err != nil {
				log.Infof("pcp: refresh of %s:%d/%s failed: %v", m.InternalHost, m.InternalPort, m.Protocol, err)
			}
		}(m)
	}
	wg.Wait()
}

// Stop unmaps every tracked mapping (best-effort), stops the scheduler and
// closes the socket (spec "State machine" section).
func (g *Gateway) Stop(opts gwtypes.Options) error {
	g.mu.Lock()
	if g.state == gwrt.StateClosing || g.state == gwrt.StateClosed {
		g.mu.Unlock()
		return gwerr.Input("pcp: already closed")
	}
	g.state = gwrt.StateClosing
	g.mu.Unlock()

	close(g.refreshStop)
	g.refreshWG.Wait()

	rows := g.table.GetAll()
	var wg sync.WaitGroup
	for _, m := range rows {
		wg.Add(1)
		go func(m mapping.Mapping) {
			defer wg.Done()
			if err := g.Unmap(m.InternalPort, gwtypes.Options{Protocol: m.Protocol}); err != nil {
				log.Infof("pcp: unmap during stop failed: %v", err)
			}
		}(m)
	}
	wg.Wait()

	g.table.DeleteAll()
	err := g.q.Close()

	g.mu.Lock()
	g.state = gwrt.StateClosed
	g.mu.Unlock()

	return err
}
