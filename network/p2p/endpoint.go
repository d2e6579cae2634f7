// Copyright 2014 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package p2p

import (
	"fmt"
	"net"
)

// NodeIDSize is the length in bytes of a NodeId, a public-key-shaped opaque
// peer identity. Zero is reserved and never a valid id.
const NodeIDSize = 32

// CookieSize is the length in bytes of a SynCookie.
const CookieSize = 32

// SignatureSize is the length in bytes of a Signature.
const SignatureSize = 64

// NodeID is the peer's long-lived public identity.
type NodeID [NodeIDSize]byte

// UnknownNodeID is returned by Channel.NodeID when the handshake has not
// bound an identity yet. It is the reserved all-zero id: since zero is never
// a valid identity, this value always means "not yet known", and Channel.NodeID
// returns it without asserting (the original source asserts-and-returns-zero).
var UnknownNodeID = NodeID{}

func (id NodeID) String() string {
	if id == UnknownNodeID {
		return "unknown"
	}
	return fmt.Sprintf("%x", id[:])
}

// IsZero reports whether id is the reserved, never-valid zero id.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// SynCookie is a 32-byte unpredictable random challenge.
type SynCookie [CookieSize]byte

// Signature is an opaque 64-byte value verifiable against (NodeID, SynCookie).
type Signature [SignatureSize]byte

// Endpoint is a normalized (ip, port) pair. IP is always stored in its
// 16-byte form so an IPv4 peer and its IPv6-mapped form compare equal.
type Endpoint struct {
	IP   [16]byte
	Port uint16
}

// WildcardEndpoint is returned in place of a real endpoint when none is
// available (closed socket, no eligible bootstrap peer, ...).
var WildcardEndpoint = Endpoint{}

// NewEndpoint normalizes ip/port into canonical Endpoint form.
func NewEndpoint(ip net.IP, port uint16) Endpoint {
	var e Endpoint
	if ip16 := ip.To16(); ip16 != nil {
		copy(e.IP[:], ip16)
	}
	e.Port = port
	return e
}

// EndpointFromAddr converts a *net.TCPAddr to an Endpoint. Returns
// WildcardEndpoint if addr is nil or not a *net.TCPAddr.
func EndpointFromAddr(addr net.Addr) Endpoint {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || tcp == nil {
		return WildcardEndpoint
	}
	return NewEndpoint(tcp.IP, uint16(tcp.Port))
}

// Address returns the (non-port) IP component as a net.IP.
func (e Endpoint) Address() net.IP {
	ip := make(net.IP, 16)
	copy(ip, e.IP[:])
	return ip
}

// IsWildcard reports whether e is the zero/wildcard endpoint.
func (e Endpoint) IsWildcard() bool {
	return e == WildcardEndpoint
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address().String(), e.Port)
}

// TCPAddr renders e as a *net.TCPAddr for use with the socket factory.
func (e Endpoint) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: e.Address(), Port: int(e.Port)}
}
