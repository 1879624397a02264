package upnp

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hlandau/gwmap/gwerr"
)

// Arg is one ordered SOAP action argument. Order matters: UPnP control
// points are notoriously strict about argument ordering in AddPortMapping
// and friends, so callers build these as a slice, not a map.
type Arg struct {
	Name, Value string
}

// buildEnvelope wraps action, built from serviceType and args, in a SOAP
// 1.1 envelope (grounded on the original upnp.go's soapRequest envelope
// string).
func buildEnvelope(serviceType, action string, args []Arg) string {
	var b strings.Builder
	b.WriteString(`<u:`)
	b.WriteString(action)
	b.WriteString(` xmlns:u="`)
	b.WriteString(serviceType)
	b.WriteString(`">`)
	for _, a := range args {
		fmt.Fprintf(&b, "<%s>%s</%s>", a.Name, xmlEscape(a.Value), a.Name)
	}
	b.WriteString(`</u:`)
	b.WriteString(action)
	b.WriteString(`>`)

	return `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>` + b.String() + `</s:Body></s:Envelope>`
}

func xmlEscape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

// doSOAP posts a SOAP action to controlURL and returns the raw response
// body, or an error for any non-200 status (spec §4.A, SOAP action
// dispatch).
func doSOAP(controlURL, serviceType, action string, args []Arg) ([]byte, error) {
	body := buildEnvelope(serviceType, action, args)

	req, err := http.NewRequest("POST", controlURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", `"`+serviceType+`#`+action+`"`)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	if res.StatusCode != http.StatusOK {
		var root xNode
		if xml.Unmarshal(data, &root) == nil {
			if c := root.find("errorCode"); c != nil {
				var code int
				if _, err := fmt.Sscanf(strings.TrimSpace(c.Content), "%d", &code); err == nil {
					return nil, gwerr.NewGateway(code, faultString(&root))
				}
			}
		}
		return nil, gwerr.NewGateway(res.StatusCode, "upnp: SOAP action "+action+" returned non-200 status")
	}

	return data, nil
}

// xNode is a generic XML tree node, used to parse SOAP responses without
// committing to the namespace prefix a given gateway firmware happens to
// use (many emit "u:", "s:" or no prefix at all for the same action).
type xNode struct {
	XMLName  xml.Name
	Content  string    `xml:",chardata"`
	Children []xNode   `xml:",any"`
}

func (n *xNode) find(suffix string) *xNode {
	if strings.HasSuffix(n.XMLName.Local, suffix) {
		return n
	}
	for i := range n.Children {
		if found := n.Children[i].find(suffix); found != nil {
			return found
		}
	}
	return nil
}

// parseActionResponse parses a SOAP response body, locates the element
// whose local name ends with actionSuffix (tolerating whatever namespace
// prefix the responding device chose), and returns its direct children as
// a flat name->value map.
func parseActionResponse(body []byte, actionSuffix string) (map[string]string, error) {
	var root xNode
	if err := xml.Unmarshal(body, &root); err != nil {
		return nil, gwerr.NewProtocol("upnp: malformed SOAP response: " + err.Error())
	}

	node := root.find(actionSuffix)
	if node == nil {
		if fault := root.find("Fault"); fault != nil {
			return nil, gwerr.NewProtocol("upnp: SOAP fault: " + faultString(fault))
		}
		return nil, gwerr.NewProtocol("upnp: SOAP response missing " + actionSuffix)
	}

	out := make(map[string]string, len(node.Children))
	for _, c := range node.Children {
		out[c.XMLName.Local] = c.Content
	}
	return out, nil
}

func faultString(fault *xNode) string {
	if s := fault.find("errorDescription"); s != nil {
		return s.Content
	}
	if s := fault.find("faultstring"); s != nil {
		return s.Content
	}
	return "unknown fault"
}

// AddPortMapping issues WANIPConnection:1/2 AddPortMapping (IGDv1 and
// IGDv2 fixed-external-port path, spec §4.A/§4.G).
func AddPortMapping(controlURL, serviceType string, remoteHost string, externalPort uint16, protocol, internalClient string, internalPort uint16, description string, leaseSeconds uint32) error {
	_, err := doSOAP(controlURL, serviceType, "AddPortMapping", []Arg{
		{"NewRemoteHost", remoteHost},
		{"NewExternalPort", fmt.Sprintf("%d", externalPort)},
		{"NewProtocol", protocol},
		{"NewInternalPort", fmt.Sprintf("%d", internalPort)},
		{"NewInternalClient", internalClient},
		{"NewEnabled", "1"},
		{"NewPortMappingDescription", description},
		{"NewLeaseDuration", fmt.Sprintf("%d", leaseSeconds)},
	})
	return err
}

// AddAnyPortMapping issues the IGDv2 AddAnyPortMapping action, which lets
// the gateway pick the external port when the caller's suggestion is
// taken (spec §4.A/§4.G).
func AddAnyPortMapping(controlURL, serviceType string, remoteHost string, externalPort uint16, protocol, internalClient string, internalPort uint16, description string, leaseSeconds uint32) (uint16, error) {
	body, err := doSOAP(controlURL, serviceType, "AddAnyPortMapping", []Arg{
		{"NewRemoteHost", remoteHost},
		{"NewExternalPort", fmt.Sprintf("%d", externalPort)},
		{"NewProtocol", protocol},
		{"NewInternalPort", fmt.Sprintf("%d", internalPort)},
		{"NewInternalClient", internalClient},
		{"NewEnabled", "1"},
		{"NewPortMappingDescription", description},
		{"NewLeaseDuration", fmt.Sprintf("%d", leaseSeconds)},
	})
	if err != nil {
		return 0, err
	}

	fields, err := parseActionResponse(body, "AddAnyPortMappingResponse")
	if err != nil {
		return 0, err
	}

	var reserved uint16
	if _, err := fmt.Sscanf(fields["NewReservedPort"], "%d", &reserved); err != nil {
		return 0, gwerr.NewProtocol("upnp: AddAnyPortMappingResponse missing NewReservedPort")
	}
	return reserved, nil
}

// DeletePortMapping issues WANIPConnection DeletePortMapping.
func DeletePortMapping(controlURL, serviceType string, remoteHost string, externalPort uint16, protocol string) error {
	_, err := doSOAP(controlURL, serviceType, "DeletePortMapping", []Arg{
		{"NewRemoteHost", remoteHost},
		{"NewExternalPort", fmt.Sprintf("%d", externalPort)},
		{"NewProtocol", protocol},
	})
	return err
}

// GetExternalIPAddress issues WANIPConnection GetExternalIPAddress.
func GetExternalIPAddress(controlURL, serviceType string) (string, error) {
	body, err := doSOAP(controlURL, serviceType, "GetExternalIPAddress", nil)
	if err != nil {
		return "", err
	}

	fields, err := parseActionResponse(body, "GetExternalIPAddressResponse")
	if err != nil {
		return "", err
	}

	ip, ok := fields["NewExternalIPAddress"]
	if !ok || ip == "" {
		return "", gwerr.NewProtocol("upnp: GetExternalIPAddressResponse missing NewExternalIPAddress")
	}
	return ip, nil
}

// AddPinhole issues WANIPv6FirewallControl:1 AddPinhole, the IGDv2 IPv6
// equivalent of AddPortMapping (spec §4.A/§4.G, Non-goals note IPv6 is
// UPnP-only).
func AddPinhole(controlURL, serviceType string, remoteHost string, remotePort uint16, internalClient string, internalPort uint16, protocol uint16, leaseSeconds uint32) (string, error) {
	body, err := doSOAP(controlURL, serviceType, "AddPinhole", []Arg{
		{"RemoteHost", remoteHost},
		{"RemotePort", fmt.Sprintf("%d", remotePort)},
		{"InternalClient", internalClient},
		{"InternalPort", fmt.Sprintf("%d", internalPort)},
		{"Protocol", fmt.Sprintf("%d", protocol)},
		{"LeaseTime", fmt.Sprintf("%d", leaseSeconds)},
	})
	if err != nil {
		return "", err
	}

	fields, err := parseActionResponse(body, "AddPinholeResponse")
	if err != nil {
		return "", err
	}

	id, ok := fields["UniqueID"]
	if !ok {
		return "", gwerr.NewProtocol("upnp: AddPinholeResponse missing UniqueID")
	}
	return id, nil
}

// UpdatePinhole renews the lease on an existing pinhole.
func UpdatePinhole(controlURL, serviceType, uniqueID string, leaseSeconds uint32) error {
	_, err := doSOAP(controlURL, serviceType, "UpdatePinhole", []Arg{
		{"UniqueID", uniqueID},
		{"NewLeaseTime", fmt.Sprintf("%d", leaseSeconds)},
	})
	return err
}

// DeletePinhole removes a pinhole by its UniqueID.
func DeletePinhole(controlURL, serviceType, uniqueID string) error {
	_, err := doSOAP(controlURL, serviceType, "DeletePinhole", []Arg{
		{"UniqueID", uniqueID},
	})
	return err
}
