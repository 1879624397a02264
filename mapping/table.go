// Package mapping implements the in-memory table of live port mappings
// shared by the PCP, NAT-PMP and UPnP gateway runtimes (spec §3, §4.B).
package mapping

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"
)

// NonceSize is the length in bytes of a mapping nonce (spec §3, §9).
const NonceSize = 12

// Nonce is a 12-byte random identifier that ties a PCP mapping request to
// its refreshes. It is assigned once, at creation, and never changes.
type Nonce [NonceSize]byte

// Mapping is one row of the table: one local endpoint being mapped through
// a gateway. Fields after the nonce are populated only once a response has
// been received for this mapping (spec §3 invariant c).
type Mapping struct {
	Protocol     string // original casing, as supplied by the caller
	InternalHost string
	InternalPort uint16
	ExternalHost string
	ExternalPort uint16
	Nonce        Nonce
	AutoRefresh  bool
	ExpiresAt    time.Time
	Lifetime     time.Duration
}

func foldProto(p string) string { return strings.ToUpper(p) }

// Table is the mapping set owned by a single gateway. It is not safe for
// concurrent mutation from more than one goroutine; per spec §5 the table
// is mutated only by its owning gateway's single logical execution
// context, and read concurrently via GetAll's snapshot copy.
type Table struct {
	mu   sync.Mutex
	rows []*Mapping
}

// New returns an empty mapping table.
func New() *Table {
	return &Table{}
}

func (t *Table) find(host string, port uint16, proto string) *Mapping {
	fp := foldProto(proto)
	for _, m := range t.rows {
		if m.InternalHost == host && m.InternalPort == port && foldProto(m.Protocol) == fp {
			return m
		}
	}
	return nil
}

// Get returns the row matching (host, port, proto), or nil. Protocol
// comparison is case-insensitive.
func (t *Table) Get(host string, port uint16, proto string) *Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.find(host, port, proto)
}

// GetByNonce returns the row with a byte-equal nonce, or nil.
func (t *Table) GetByNonce(nonce Nonce) *Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.rows {
		if m.Nonce == nonce {
			return m
		}
	}
	return nil
}

// GetOrCreate returns the existing row for (host, port, proto), or appends
// and returns a freshly minted row with a new random nonce. Per spec §8
// invariant, repeated calls with the identical triple return the same
// pointer — no duplicate rows are ever created.
func (t *Table) GetOrCreate(host string, port uint16, proto string, autoRefresh bool) (*Mapping, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m := t.find(host, port, proto); m != nil {
		return m, nil
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	m := &Mapping{
		Protocol:     proto,
		InternalHost: host,
		InternalPort: port,
		Nonce:        nonce,
		AutoRefresh:  autoRefresh,
	}
	t.rows = append(t.rows, m)
	return m, nil
}

func newNonce() (Nonce, error) {
	var n Nonce
	_, err := rand.Read(n[:])
	return n, err
}

// maxPCPLifetime is the RFC 6887 §15 ceiling a PCP-granted lifetime is
// clamped to.
const maxPCPLifetime = 24 * time.Hour

// Update writes the external fields on every row whose (internalPort,
// case-folded proto, nonce) all match, and returns whether at least one
// row matched. A lifetime greater than 24h is clamped (spec §3 invariant d).
func (t *Table) Update(internalPort uint16, proto string, nonce Nonce, externalHost string, externalPort uint16, expiresAt time.Time, lifetime time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	fp := foldProto(proto)
	if lifetime > maxPCPLifetime {
		lifetime = maxPCPLifetime
	}

	matched := false
	for _, m := range t.rows {
		if m.InternalPort != internalPort || foldProto(m.Protocol) != fp || m.Nonce != nonce {
			continue
		}
		m.ExternalHost = externalHost
		m.ExternalPort = externalPort
		m.ExpiresAt = expiresAt
		m.Lifetime = lifetime
		matched = true
	}
	return matched
}

// FindByPortAndProtocol returns the first row matching (port, proto)
// regardless of internal host. Used by Unmap/refresh paths where the
// caller only knows the port and protocol it originally mapped, not the
// internal host string the row was created with.
func (t *Table) FindByPortAndProtocol(port uint16, proto string) *Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()

	fp := foldProto(proto)
	for _, m := range t.rows {
		if m.InternalPort == port && foldProto(m.Protocol) == fp {
			return m
		}
	}
	return nil
}

// Delete removes the row for (host, port, proto), if any.
func (t *Table) Delete(host string, port uint16, proto string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fp := foldProto(proto)
	out := t.rows[:0]
	for _, m := range t.rows {
		if m.InternalHost == host && m.InternalPort == port && foldProto(m.Protocol) == fp {
			continue
		}
		out = append(out, m)
	}
	t.rows = out
}

// DeleteAll empties the table (called when a gateway is stopped).
func (t *Table) DeleteAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = nil
}

// GetAll returns a snapshot copy of every row, safe for a caller to read
// without racing the owning gateway's mutation loop.
func (t *Table) GetAll() []Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Mapping, len(t.rows))
	for i, m := range t.rows {
		out[i] = *m
	}
	return out
}

// GetExpiring returns rows with AutoRefresh set, a nonzero ExpiresAt and
// Lifetime, and fewer than half their granted lifetime remaining — the
// RFC 6887 §11.2.1 refresh policy (spec §4.B, §8).
func (t *Table) GetExpiring(now time.Time) []*Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Mapping
	for _, m := range t.rows {
		if !m.AutoRefresh || m.ExpiresAt.IsZero() || m.Lifetime == 0 {
			continue
		}
		remaining := m.ExpiresAt.Sub(now)
		if remaining < m.Lifetime/2 {
			out = append(out, m)
		}
	}
	return out
}
