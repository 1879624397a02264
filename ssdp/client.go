// Package ssdp adapts SSDP multicast discovery into UPnP IGD gateways:
// the raw multicast beacon/listener (an external collaborator per the
// core gateway runtime) and, on top of it, the discovery adapter that
// turns discovered services into gwtypes.Gateway values.
package ssdp

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	degonet "github.com/hlandau/degoutils/net"
)

// BroadcastInterval is the interval at which discovery beacons are sent.
const BroadcastInterval = 60 * time.Second

const ssdpMulticastAddr = "239.255.255.250:1900"

// event is a single received SSDP beacon, before translation into a
// DiscoveredService.
type event struct {
	Location *url.URL
	ST       string
	USN      string
	MaxAge   time.Duration
}

// client is the low-level SSDP multicast sender/listener.
type client struct {
	conn      *net.UDPConn
	eventChan chan event
	stopChan  chan struct{}
}

func newClient() (*client, error) {
	connG, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	conn := connG.(*net.UDPConn)

	c := &client{
		conn:      conn,
		eventChan: make(chan event, 16),
		stopChan:  make(chan struct{}),
	}

	go c.broadcastLoop()
	go c.recvLoop()

	return c, nil
}

func (c *client) stop() {
	close(c.stopChan)
	c.conn.Close()
}

func (c *client) broadcastLoop() {
	ssdpAddr, err := net.ResolveUDPAddr("udp4", ssdpMulticastAddr)
	if err != nil {
		return
	}

	discoBuf := []byte(
		"M-SEARCH * HTTP/1.1\r\n" +
			"HOST: " + ssdpMulticastAddr + "\r\n" +
			"ST: urn:schemas-upnp-org:device:InternetGatewayDevice:2\r\n" +
			"MAN: \"ssdp:discover\"\r\n" +
			"MX: 2\r\n\r\n")

	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()

	for {
		c.conn.WriteToUDP(discoBuf, ssdpAddr) // best-effort, errors ignored
		select {
		case <-ticker.C:
		case <-c.stopChan:
			return
		}
	}
}

func (c *client) recvLoop() {
	for {
		buf, _, err := degonet.ReadDatagramFromUDP(c.conn)
		if err != nil {
			return
		}

		rbio := bufio.NewReader(bytes.NewReader(buf))
		res, err := http.ReadResponse(rbio, nil)
		if err == nil {
			c.handleResponse(res)
		}
	}
}

func (c *client) handleResponse(res *http.Response) {
	if res.StatusCode != http.StatusOK {
		return
	}

	st := res.Header.Get("ST")
	if st == "" {
		return
	}

	loc, err := res.Location()
	if err != nil {
		return
	}

	usn := res.Header.Get("USN")
	if usn == "" {
		usn = loc.String()
	}

	maxAge := BroadcastInterval * 3
	if cc := res.Header.Get("Cache-Control"); cc != "" {
		if d, ok := parseMaxAge(cc); ok {
			maxAge = d
		}
	}

	ev := event{Location: loc, ST: st, USN: usn, MaxAge: maxAge}
	select {
	case c.eventChan <- ev:
	default: // drop when nobody is listening
	}
}

// parseMaxAge extracts the seconds value out of a Cache-Control header's
// max-age directive, e.g. "max-age=1800".
func parseMaxAge(cacheControl string) (time.Duration, bool) {
	i := strings.Index(cacheControl, "max-age=")
	if i < 0 {
		return 0, false
	}
	var seconds int
	if _, err := fmt.Sscanf(cacheControl[i:], "max-age=%d", &seconds); err != nil {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
