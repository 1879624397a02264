package natpmp

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hlandau/degoutils/net"
	"github.com/hlandau/gwmap/gwerr"
	"github.com/hlandau/gwmap/gwtypes"
	"github.com/hlandau/gwmap/internal/gwrt"
	"github.com/hlandau/gwmap/mapping"
	"github.com/hlandau/gwmap/queue"
	"github.com/hlandau/xlog"
	gnet "net"
)

var log, Log = xlog.NewQuiet("gwmap/natpmp")

// Port is the well-known NAT-PMP server port.
const Port = 5351

// DefaultLifetime is the RFC-recommended lifetime NAT-PMP uses when a
// caller doesn't request one (spec §4.F).
const DefaultLifetime = 7200 * time.Second

// retryBackoff mirrors the original hlandau/portmap natpmp.go's retry
// posture: the same shape of Backoff, now driving the queue's request
// timeout instead of a raw per-call dial loop.
var retryBackoff = net.Backoff{
	MaxTries:           9,
	InitialDelay:       250 * time.Millisecond,
	MaxDelay:           64000 * time.Millisecond,
	MaxDelayAfterTries: 8,
}

// Gateway is a NAT-PMP gateway runtime: component F. NAT-PMP is IPv4-only
// (spec §4.F, Non-goals).
type Gateway struct {
	host gnet.IP
	q    *queue.Queue

	table *mapping.Table

	mu       sync.Mutex
	state    gwrt.State
	timers   map[string]*time.Timer
	stopped  bool
}

// New constructs a NAT-PMP gateway against gatewayIP. Unlike PCP, no
// support probe is performed at construction time; NAT-PMP's own Map call
// surfaces "no response" as an ordinary timeout error.
func New(gatewayIP gnet.IP) (*Gateway, error) {
	q, err := queue.New(&gnet.UDPAddr{IP: gatewayIP, Port: Port}, DecodeOpcode)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		host:   gatewayIP,
		q:      q,
		table:  mapping.New(),
		state:  gwrt.StateListening,
		timers: make(map[string]*time.Timer),
	}, nil
}

func opcodeFor(proto string) (Opcode, error) {
	switch strings.ToUpper(proto) {
	case "TCP":
		return OpMapTCP, nil
	case "UDP":
		return OpMapUDP, nil
	default:
		return 0, gwerr.Input("natpmp: protocol must be TCP or UDP")
	}
}

func timerKey(port uint16, proto string) string {
	return strings.ToUpper(proto) + ":" + strconv.Itoa(int(port))
}

// requestWithRetry drives one NAT-PMP transaction: an exponential Backoff
// supplies the per-try timeout, and a try that times out (as opposed to
// one that fails outright) is retried until the backoff is exhausted
// (grounded in the original natpmp.go's makeRequest loop).
func (g *Gateway) requestWithRetry(parentCtx context.Context, opcode byte, data []byte, onCancel func()) ([]byte, error) {
	bo := retryBackoff
	bo.Reset()

	for {
		delay := bo.NextDelay()
		if delay == 0 {
			return nil, gwerr.Policy("natpmp: request timed out")
		}

		ctx, cancel := context.WithTimeout(parentCtx, delay)
		resp, err := g.q.Enqueue(ctx, opcode, data, onCancel)
		cancel()
		if err == nil {
			return resp, nil
		}
		if parentCtx.Err() != nil {
			return nil, parentCtx.Err()
		}
		if ctx.Err() == context.DeadlineExceeded {
			continue
		}
		return nil, err
	}
}

// Map sends a single MAP request, retrying per retryBackoff until the
// gateway's own request-level timeout expires (spec §4.F, §6). A caller
// that doesn't request a TTL gets NAT-PMP's own RFC-recommended
// DefaultLifetime rather than the generic cross-protocol default.
func (g *Gateway) Map(internalPort uint16, internalHost string, opts gwtypes.Options) (gwtypes.PortMapping, error) {
	requestedTTL := opts.TTL
	opts = opts.WithDefaults()
	if requestedTTL == 0 {
		opts.TTL = DefaultLifetime
	}
	return g.mapRequest(internalPort, internalHost, opts, opts.TTL)
}

// mapRequest sends a single MAP request with the given wire lifetime, kept
// as a parameter distinct from opts.TTL so Unmap can force a genuine
// zero-lifetime, zero-externalPort request without WithDefaults' TTL
// substitution getting in the way.
func (g *Gateway) mapRequest(internalPort uint16, internalHost string, opts gwtypes.Options, ttl time.Duration) (gwtypes.PortMapping, error) {
	proto := strings.ToUpper(opts.Protocol)

	opc, err := opcodeFor(proto)
	if err != nil {
		return gwtypes.PortMapping{}, err
	}

	m, err := g.table.GetOrCreate(internalHost, internalPort, proto, opts.AutoRefresh)
	if err != nil {
		return gwtypes.PortMapping{}, err
	}
	m.AutoRefresh = opts.AutoRefresh

	pkt := EncodeMapRequest(opc, internalPort, opts.ExternalPort, uint32(ttl/time.Second))

	cancelMapping := func() { g.table.Delete(internalHost, internalPort, proto) }
	resp, err := g.requestWithRetry(opts.Ctx, byte(opc), pkt, cancelMapping)
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

	lifetime := time.Duration(mr.Lifetime) * time.Second
	expiresAt := time.Now().Add(lifetime)
	g.table.Update(internalPort, proto, m.Nonce, "", mr.ExternalPort, expiresAt, lifetime)

	var extIP string
	if ttl == 0 {
		g.table.Delete(internalHost, internalPort, proto)
	} else {
		if opts.AutoRefresh {
			g.armRefresh(internalPort, internalHost, proto, lifetime, opts)
		}
		extIP, _ = g.externalIPOnce(opts)
	}

	return gwtypes.PortMapping{
		ExternalHost: extIP,
		ExternalPort: mr.ExternalPort,
		InternalHost: internalHost,
		InternalPort: internalPort,
		Protocol:     proto,
	}, nil
}

// MapAll maps internalPort on every non-internal local IPv4 address.
func (g *Gateway) MapAll(internalPort uint16, opts gwtypes.Options) (<-chan gwtypes.PortMapping, error) {
	opts = opts.WithDefaults()
	return gwrt.MapAll(gwrt.FamilyIPv4, internalPort, opts, g.Map, func(host string, err error) {
		log.Infof("natpmp: map on %s failed: %v", host, err)
	})
}

// Unmap issues MAP with lifetime=0, externalPort=0 (spec §4.F).
func (g *Gateway) Unmap(internalPort uint16, opts gwtypes.Options) error {
	opts = opts.WithDefaults()
	proto := strings.ToUpper(opts.Protocol)

	m := g.table.FindByPortAndProtocol(internalPort, proto)
	if m == nil {
		return gwerr.Input("natpmp: no tracked mapping for that port and protocol")
	}

	g.clearRefresh(internalPort, proto)

	unmapOpts := gwtypes.Options{
		Protocol:    proto,
		AutoRefresh: false,
		Ctx:         opts.Ctx,
	}.WithDefaults()

	_, err := g.mapRequest(internalPort, m.InternalHost, unmapOpts, 0)
	return err
}

func (g *Gateway) externalIPOnce(opts gwtypes.Options) (string, error) {
	pkt := EncodeExternalIPRequest()
	resp, err := g.requestWithRetry(opts.Ctx, byte(OpExternalIP), pkt, nil)
	if err != nil {
		return "", err
	}

	hdr, err := ParseResponseHeader(resp)
	if err != nil {
		return "", err
	}
	if hdr.ResultCode != 0 {
		return "", gwerr.NewGateway(hdr.ResultCode, ResultMessage(hdr.ResultCode))
	}

	r, err := ParseExternalIPResponse(resp)
	if err != nil {
		return "", err
	}
	return r.IP.String(), nil
}

// ExternalIP performs the dedicated NAT-PMP EXTERNAL-IP transaction
// (spec §4.D, §4.F).
func (g *Gateway) ExternalIP(opts gwtypes.Options) (string, error) {
	opts = opts.WithDefaults()
	return g.externalIPOnce(opts)
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

// armRefresh schedules a one-shot refresh timer firing at
// lifetime-refreshThreshold, per spec §4.D "Auto-refresh scheduler
// (UPnP/PMP)".
func (g *Gateway) armRefresh(internalPort uint16, internalHost, proto string, lifetime time.Duration, opts gwtypes.Options) {
	key := timerKey(internalPort, proto)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	if t, ok := g.timers[key]; ok {
		t.Stop()
	}

	delay := lifetime - opts.RefreshThreshold
	if delay <= 0 {
		delay = time.Second
	}

	g.timers[key] = time.AfterFunc(delay, func() {
		_, err := g.Map(internalPort, internalHost, gwtypes.Options{
			Protocol:         proto,
			AutoRefresh:      true,
			RefreshThreshold: opts.RefreshThreshold,
		})
		if err != nil {
			log.Infof("natpmp: refresh of %s:%d/%s failed, stopping its timer: %v", internalHost, internalPort, proto, err)
		}
	})
}

func (g *Gateway) clearRefresh(internalPort uint16, proto string) {
	key := timerKey(internalPort, proto)
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[key]; ok {
		t.Stop()
		delete(g.timers, key)
	}
}

// Stop unmaps every tracked mapping (best-effort), stops every refresh
// timer, and closes the socket.
func (g *Gateway) Stop(opts gwtypes.Options) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return gwerr.Input("natpmp: already closed")
	}
	g.stopped = true
	for _, t := range g.timers {
		t.Stop()
	}
	g.timers = nil
	g.mu.Unlock()

	rows := g.table.GetAll()
	var wg sync.WaitGroup
	for _, m := range rows {
		wg.Add(1)
		go func(m mapping.Mapping) {
			defer wg.Done()
			if err := g.Unmap(m.InternalPort, gwtypes.Options{Protocol: m.Protocol}); err != nil {
				log.Infof("natpmp: unmap during stop failed: %v", err)
			}
		}(m)
	}
	wg.Wait()

	g.table.DeleteAll()
	return g.q.Close()
}
