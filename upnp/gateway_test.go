package upnp

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hlandau/gwmap/gwtypes"
	"github.com/stretchr/testify/require"
)

func newFakeIGD2Server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ctl", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		action := r.Header.Get("SOAPAction")

		w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
		switch {
		case strings.Contains(action, "AddAnyPortMapping"):
			var externalPort string
			fmt.Sscanf(extractTag(string(body), "NewExternalPort"), "%s", &externalPort)
			io.WriteString(w, `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><u:AddAnyPortMappingResponse xmlns:u="`+ServiceWANIPConnection2+`"><NewReservedPort>`+extractTag(string(body), "NewExternalPort")+`</NewReservedPort></u:AddAnyPortMappingResponse></s:Body></s:Envelope>`)
		case strings.Contains(action, "DeletePortMapping"):
			io.WriteString(w, `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><u:DeletePortMappingResponse xmlns:u="`+ServiceWANIPConnection2+`"/></s:Body></s:Envelope>`)
		case strings.Contains(action, "GetExternalIPAddress"):
			io.WriteString(w, `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><u:GetExternalIPAddressResponse xmlns:u="`+ServiceWANIPConnection2+`"><NewExternalIPAddress>203.0.113.9</NewExternalIPAddress></u:GetExternalIPAddressResponse></s:Body></s:Envelope>`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func extractTag(body, tag string) string {
	open := "<" + tag + ">"
	shut := "</" + tag + ">"
	i := strings.Index(body, open)
	if i < 0 {
		return ""
	}
	j := strings.Index(body[i:], shut)
	if j < 0 {
		return ""
	}
	return body[i+len(open) : i+j]
}

func TestGatewayMapSuccessIPv4(t *testing.T) {
	srv := newFakeIGD2Server(t)
	g := newGateway(srv.URL+"/desc.xml", srv.URL+"/ctl", ServiceWANIPConnection2, false)

	pm, err := g.Map(5000, "10.0.0.5", gwtypes.Options{Protocol: "TCP", TTL: time.Hour, ExternalPort: 6000})
	require.NoError(t, err)
	require.Equal(t, uint16(6000), pm.ExternalPort)
}

func TestGatewayUnmapIPv4(t *testing.T) {
	srv := newFakeIGD2Server(t)
	g := newGateway(srv.URL+"/desc.xml", srv.URL+"/ctl", ServiceWANIPConnection2, false)

	_, err := g.Map(5000, "10.0.0.5", gwtypes.Options{Protocol: "TCP", TTL: time.Hour, ExternalPort: 6000})
	require.NoError(t, err)

	err = g.Unmap(5000, gwtypes.Options{Protocol: "TCP"})
	require.NoError(t, err)
	require.Empty(t, g.GetMappings())
}

func TestGatewayExternalIP(t *testing.T) {
	srv := newFakeIGD2Server(t)
	g := newGateway(srv.URL+"/desc.xml", srv.URL+"/ctl", ServiceWANIPConnection2, false)

	ip, err := g.ExternalIP(gwtypes.Options{})
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9", ip)
}

func TestGatewayExternalIPNotDefinedForIPv6(t *testing.T) {
	g := newGateway("http://example/desc.xml", "http://example/ctl", ServiceWANIPv6Firewall1, true)
	_, err := g.ExternalIP(gwtypes.Options{})
	require.Error(t, err)
}

func TestGatewayRejectsBadProtocol(t *testing.T) {
	srv := newFakeIGD2Server(t)
	g := newGateway(srv.URL+"/desc.xml", srv.URL+"/ctl", ServiceWANIPConnection2, false)

	_, err := g.Map(5000, "10.0.0.5", gwtypes.Options{Protocol: "SCTP"})
	require.Error(t, err)
}
