package ssdp

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDiscoveryServicesReturnsUnexpiredService(t *testing.T) {
	d := &Discovery{seen: make(map[string]DiscoveredService)}

	loc, err := url.Parse("http://192.168.1.1:5000/desc.xml")
	require.NoError(t, err)

	d.seen[loc.String()] = DiscoveredService{
		Location:          loc,
		ServiceType:       "urn:schemas-upnp-org:device:InternetGatewayDevice:2",
		UniqueServiceName: "uuid:abc::urn:schemas-upnp-org:device:InternetGatewayDevice:2",
		Expires:           time.Now().Add(time.Hour),
	}

	svcs := d.Services()
	require.Len(t, svcs, 1)
	require.Equal(t, loc.String(), svcs[0].Location.String())
}

func TestDiscoveryExcludesExpiredServices(t *testing.T) {
	d := &Discovery{seen: make(map[string]DiscoveredService)}

	loc, _ := url.Parse("http://192.168.1.1:5000/desc.xml")
	d.seen[loc.String()] = DiscoveredService{
		Location: loc,
		Expires:  time.Now().Add(-time.Minute),
	}

	require.Empty(t, d.Services())
}

func TestParseMaxAge(t *testing.T) {
	d, ok := parseMaxAge("max-age=1800")
	require.True(t, ok)
	require.Equal(t, 1800*time.Second, d)

	_, ok = parseMaxAge("no-cache")
	require.False(t, ok)
}
