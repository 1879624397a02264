package upnp

import (
	"encoding/xml"
	"net/http"
	"net/url"
	"strings"

	"github.com/hlandau/gwmap/gwerr"
)

const deviceNS = "urn:schemas-upnp-org:device-1-0"

// Service types the gateway runtime knows how to drive (spec §4.G).
const (
	ServiceWANIPConnection1  = "urn:schemas-upnp-org:service:WANIPConnection:1"
	ServiceWANIPConnection2  = "urn:schemas-upnp-org:service:WANIPConnection:2"
	ServiceWANIPv6Firewall1  = "urn:schemas-upnp-org:service:WANIPv6FirewallControl:1"
	DeviceTypeIGD2           = "urn:schemas-upnp-org:device:InternetGatewayDevice:2"
)

type xRootDevice struct {
	XMLName xml.Name `xml:"root"`
	Device  xDevice  `xml:"device"`
}

type xDevice struct {
	Services []xService `xml:"serviceList>service,omitempty"`
	Devices  []xDevice  `xml:"deviceList>device,omitempty"`
}

func (d *xDevice) initURLFields(base *url.URL) {
	for i := range d.Services {
		d.Services[i].initURLFields(base)
	}
	for i := range d.Devices {
		d.Devices[i].initURLFields(base)
	}
}

func (d *xDevice) visitServices(f func(s *xService)) {
	for i := range d.Services {
		f(&d.Services[i])
	}
	for i := range d.Devices {
		d.Devices[i].visitServices(f)
	}
}

type xService struct {
	ServiceType string    `xml:"serviceType"`
	ServiceID   string    `xml:"serviceId"`
	ControlURL  xURLField `xml:"controlURL"`
}

func (s *xService) initURLFields(base *url.URL) {
	s.ControlURL.init(base)
}

type xURLField struct {
	URL url.URL `xml:"-"`
	OK  bool    `xml:"-"`
	Str string  `xml:",chardata"`
}

func (f *xURLField) init(base *url.URL) {
	u, err := url.Parse(f.Str)
	if err != nil {
		return
	}
	f.URL = *base.ResolveReference(u)
	f.OK = true
}

// Descriptor is a fetched and parsed UPnP device descriptor, with control
// URLs absolutised against the descriptor's own location.
type Descriptor struct {
	Location *url.URL
	root     xRootDevice
}

// FetchDescriptor downloads and parses the device descriptor at
// descriptorURL (spec §4.G).
func FetchDescriptor(descriptorURL string) (*Descriptor, error) {
	u, err := url.Parse(descriptorURL)
	if err != nil {
		return nil, gwerr.Input("upnp: invalid descriptor URL: " + err.Error())
	}

	res, err := http.Get(descriptorURL)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, gwerr.NewProtocol("upnp: non-200 status fetching device descriptor")
	}

	d := xml.NewDecoder(res.Body)
	d.DefaultSpace = deviceNS

	var root xRootDevice
	if err := d.Decode(&root); err != nil {
		return nil, gwerr.NewProtocol("upnp: malformed device descriptor: " + err.Error())
	}
	root.Device.initURLFields(u)

	return &Descriptor{Location: u, root: root}, nil
}

// ControlURL returns the control URL of the first service matching
// serviceType found anywhere in the descriptor's device tree, by exact
// match against the full service type URN (so a WANIPConnection:1 lookup
// does not match a WANIPConnection:2 service).
func (d *Descriptor) ControlURL(serviceType string) (*url.URL, bool) {
	var found *url.URL
	d.root.Device.visitServices(func(s *xService) {
		if found != nil || !s.ControlURL.OK {
			return
		}
		if s.ServiceType == serviceType {
			u := s.ControlURL.URL
			found = &u
		}
	})
	return found, found != nil
}

// HasService reports whether the descriptor's device tree advertises a
// service of the given type.
func (d *Descriptor) HasService(serviceType string) bool {
	_, ok := d.ControlURL(serviceType)
	return ok
}

// IsIGD2 reports whether deviceType ends in ":InternetGatewayDevice:2".
// It checks only its argument; the descriptor's own device tree is not
// consulted.
func (d *Descriptor) IsIGD2(deviceType string) bool {
	return strings.HasSuffix(deviceType, ":InternetGatewayDevice:2")
}
