// Package endpoint parses and formats transport endpoints. An endpoint
// is a protocol scheme plus a scheme-specific address, with optional
// metadata: "tcp/192.0.2.1:7447", "serial//dev/ttyUSB0?baud=115200".
package endpoint

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalid = errors.New("invalid endpoint")

// Endpoint identifies one dialable or listenable address.
type Endpoint struct {
	Scheme   string
	Address  string
	Metadata map[string]string
}

// Parse splits "scheme/address[?key=value;...]" into an Endpoint.
func Parse(s string) (Endpoint, error) {
	scheme, rest, ok := strings.Cut(s, "/")
	if !ok || scheme == "" || rest == "" {
		return Endpoint{}, fmt.Errorf("%w: %q (want scheme/address)", ErrInvalid, s)
	}

	ep := Endpoint{Scheme: scheme}
	addr, meta, hasMeta := strings.Cut(rest, "?")
	if addr == "" {
		return Endpoint{}, fmt.Errorf("%w: %q (empty address)", ErrInvalid, s)
	}
	ep.Address = addr

	if hasMeta && meta != "" {
		ep.Metadata = make(map[string]string)
		for _, kv := range strings.Split(meta, ";") {
			k, v, _ := strings.Cut(kv, "=")
			if k == "" {
				return Endpoint{}, fmt.Errorf("%w: %q (empty metadata key)", ErrInvalid, s)
			}
			ep.Metadata[k] = v
		}
	}
	return ep, nil
}

// MustParse is Parse for endpoints known valid at compile time.
func MustParse(s string) Endpoint {
	ep, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ep
}

// ParseAll parses a list of endpoint strings.
func ParseAll(ss []string) ([]Endpoint, error) {
	eps := make([]Endpoint, 0, len(ss))
	for _, s := range ss {
		ep, err := Parse(s)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Meta returns a metadata value, or def when absent.
func (e Endpoint) Meta(key, def string) string {
	if v, ok := e.Metadata[key]; ok {
		return v
	}
	return def
}

// String returns the canonical "scheme/address" form without metadata.
func (e Endpoint) String() string {
	return e.Scheme + "/" + e.Address
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.Scheme == "" && e.Address == ""
}
