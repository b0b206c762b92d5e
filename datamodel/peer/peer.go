// Package peer holds the addressing model shared by every part of the node:
// peer addresses, the seed table and the identity -> address resolvers.
package peer

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strconv"
)

var ErrUnresolvable = errors.New("peer address cannot be resolved")

// Address is where a peer's inbound endpoint lives. Identity and address are
// carried together but never derived from each other here.
type Address struct {
	ID   string `cbor:"id" json:"id"`
	Host string `cbor:"ip" json:"ip"`
	Port int    `cbor:"port" json:"port"`
}

// HostPort returns the dialable "host:port" form.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) String() string {
	return a.ID + "@" + a.HostPort()
}

func (a Address) Valid() bool {
	return a.ID != "" && a.Host != "" && a.Port > 0 && a.Port <= 65535
}

// ParseAddress builds an Address from an identity and a "host:port" string.
func ParseAddress(id string, hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("peer %s: %w", id, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("peer %s: invalid port %q: %w", id, portStr, err)
	}
	a := Address{ID: id, Host: host, Port: port}
	if !a.Valid() {
		return Address{}, fmt.Errorf("peer %s: invalid address %q", id, hostport)
	}
	return a, nil
}

// SeedTable is the fixed set of entry points known at startup.
type SeedTable map[string]Address

// Has reports whether id is one of the seeds.
func (s SeedTable) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the seed identities in a stable order.
func (s SeedTable) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Pick returns a random seed. The bool is false for an empty table.
func (s SeedTable) Pick(rnd *rand.Rand) (Address, bool) {
	ids := s.IDs()
	if len(ids) == 0 {
		return Address{}, false
	}
	return s[ids[rnd.Intn(len(ids))]], true
}

// Resolver maps an identity to the address of its inbound endpoint.
type Resolver func(id string) (Address, error)

// TableResolver resolves identities listed in a fixed table.
func TableResolver(table map[string]Address) Resolver {
	return func(id string) (Address, error) {
		if a, ok := table[id]; ok {
			return a, nil
		}
		return Address{}, fmt.Errorf("%w: %s not in table", ErrUnresolvable, id)
	}
}

// SuffixPortResolver implements the deployment convention where a node listens
// on basePort plus the last character of its identity read as a digit
// (P1 -> basePort+1).
func SuffixPortResolver(host string, basePort int) Resolver {
	return func(id string) (Address, error) {
		if id == "" {
			return Address{}, fmt.Errorf("%w: empty identity", ErrUnresolvable)
		}
		last := id[len(id)-1]
		if last < '0' || last > '9' {
			return Address{}, fmt.Errorf("%w: %s does not end in a digit", ErrUnresolvable, id)
		}
		return Address{ID: id, Host: host, Port: basePort + int(last-'0')}, nil
	}
}

// ChainResolvers tries each resolver in turn and returns the first success.
func ChainResolvers(resolvers ...Resolver) Resolver {
	return func(id string) (Address, error) {
		for _, r := range resolvers {
			if r == nil {
				continue
			}
			if a, err := r(id); err == nil {
				return a, nil
			}
		}
		return Address{}, fmt.Errorf("%w: %s", ErrUnresolvable, id)
	}
}
