// Package gwtypes holds the types shared across the PCP, NAT-PMP and UPnP
// gateway implementations: the public Gateway interface, its Options, and
// the PortMapping value it returns (spec §6 "External Interfaces").
package gwtypes

import (
	"context"
	"time"
)

// Default option values (spec §6 "Recognized options").
const (
	DefaultTTL              = time.Hour
	DefaultDescription      = "@hlandau/gwmap"
	DefaultRefreshTimeout   = 10 * time.Second
	DefaultRefreshThreshold = 60 * time.Second
)

// Options configures a single map/mapAll/unmap/externalIp/stop call.
type Options struct {
	// TTL is the requested mapping lifetime. Zero means DefaultTTL.
	// Converted to seconds on the wire and clamped to >=120s for PCP,
	// >=3600s for UPnP IPv6 pinholes.
	TTL time.Duration

	// Description labels the mapping on the gateway's admin UI, where the
	// protocol supports one (UPnP). Empty means DefaultDescription.
	Description string

	// AutoRefresh arms the owning gateway's refresh scheduler for this
	// mapping. Defaults to true if unset via NewOptions.
	AutoRefresh bool

	// RefreshTimeout is a per-refresh time budget. Zero means
	// DefaultRefreshTimeout. No gateway's refresh path reads it: refresh
	// attempts are not bounded by this value.
	RefreshTimeout time.Duration

	// RefreshThreshold is how long before expiry a UPnP/NAT-PMP mapping is
	// refreshed (PCP instead refreshes at half the granted lifetime,
	// unconditionally, per spec §4.D). Zero means DefaultRefreshThreshold.
	RefreshThreshold time.Duration

	// ExternalPort is the caller's preferred external port. The gateway
	// may reassign it.
	ExternalPort uint16

	// RemoteHost filters the mapping to a single remote peer. Empty means
	// wildcard (any remote host may use the mapping).
	RemoteHost string

	// Protocol is "TCP" or "UDP", case-insensitively.
	Protocol string

	// Ctx bounds the call. A nil Ctx means context.Background().
	Ctx context.Context
}

// WithDefaults returns a copy of o with zero-valued fields replaced by
// their documented defaults. AutoRefresh is left unchanged: Go has no
// "unset bool", so a false AutoRefresh stays false; callers that want it
// on start from NewOptions or set it explicitly.
func (o Options) WithDefaults() Options {
	if o.TTL == 0 {
		o.TTL = DefaultTTL
	}
	if o.Description == "" {
		o.Description = DefaultDescription
	}
	if o.RefreshTimeout == 0 {
		o.RefreshTimeout = DefaultRefreshTimeout
	}
	if o.RefreshThreshold == 0 {
		o.RefreshThreshold = DefaultRefreshThreshold
	}
	if o.Ctx == nil {
		o.Ctx = context.Background()
	}
	return o
}

// NewOptions returns Options with AutoRefresh defaulted to true, matching
// spec §6's stated default. Use this instead of a bare Options{} literal
// unless you specifically want AutoRefresh off.
func NewOptions() Options {
	return Options{AutoRefresh: true}
}

// PortMapping is the result of a successful Map call.
type PortMapping struct {
	ExternalHost string
	ExternalPort uint16
	InternalHost string
	InternalPort uint16
	// Protocol is always rendered upper-case in a returned PortMapping,
	// per spec §6.
	Protocol string
}

// Gateway is the uniform surface exposed by the PCP, NAT-PMP and UPnP
// gateway runtimes (spec §2, §6).
type Gateway interface {
	// Map creates or refreshes a single port mapping.
	Map(internalPort uint16, internalHost string, opts Options) (PortMapping, error)

	// MapAll iterates every non-internal interface of the gateway's
	// address family and maps internalPort on each, streaming successes
	// on the returned channel and closing it when done. It fails outright
	// only if not a single interface succeeded (spec §4.D).
	MapAll(internalPort uint16, opts Options) (<-chan PortMapping, error)

	// Unmap releases a previously created mapping.
	Unmap(internalPort uint16, opts Options) error

	// ExternalIP reports the externally-visible address, per the
	// protocol's own mechanism (spec §4.D).
	ExternalIP(opts Options) (string, error)

	// Stop releases the gateway's transport and best-effort unmaps every
	// live mapping. Idempotent; a second call MAY fail.
	Stop(opts Options) error

	// GetMappings returns a snapshot of every mapping currently tracked.
	GetMappings() []MappingView
}

// MappingView is a read-only projection of a mapping table row, returned
// by Gateway.GetMappings.
type MappingView struct {
	Protocol     string
	InternalHost string
	InternalPort uint16
	ExternalHost string
	ExternalPort uint16
	ExpiresAt    time.Time
	Lifetime     time.Duration
	AutoRefresh  bool
}
