package p2p

import (
	"github.com/drep-project/binary"
)

// binaryCodec is the default Codec collaborator. It reuses the teacher's
// own reflective struct-encoding library (already used in network/p2p to
// encode NodeInfo.ENR) rather than standing up a protobuf toolchain that
// would need generated descriptors this module can't fabricate.
type binaryCodec struct{}

// NewDefaultCodec returns the default Codec collaborator.
func NewDefaultCodec() Codec {
	return binaryCodec{}
}

type wireCookie struct {
	Cookie [CookieSize]byte
}

func (binaryCodec) EncodeCookie(cookie SynCookie) ([]byte, error) {
	return binary.Marshal(wireCookie{Cookie: cookie})
}

func (binaryCodec) DecodeCookie(buf []byte) (SynCookie, error) {
	var w wireCookie
	if err := binary.Unmarshal(buf, &w); err != nil {
		return SynCookie{}, err
	}
	return SynCookie(w.Cookie), nil
}

// wireEndpoint is the wire-safe projection of Endpoint (exported fields
// only, so the reflective encoder can see them).
type wireEndpoint struct {
	IP   [16]byte
	Port uint16
}

// wireIdentity is the client->server leg of the handshake: node_id (32
// bytes) || signature (64 bytes), per spec §6's wire-compatibility section,
// plus an optional list of endpoints the peer advertises for gossip
// (original_source leaves room for this; spec.md's consumers are not
// required to populate or read it).
type wireIdentity struct {
	NodeID     [NodeIDSize]byte
	Signature  [SignatureSize]byte
	Advertised []wireEndpoint
}

func (binaryCodec) EncodeIdentity(msg IdentityMessage) ([]byte, error) {
	w := wireIdentity{NodeID: msg.NodeID, Signature: msg.Signature}
	for _, ep := range msg.Advertised {
		w.Advertised = append(w.Advertised, wireEndpoint{IP: ep.IP, Port: ep.Port})
	}
	return binary.Marshal(w)
}

func (binaryCodec) DecodeIdentity(buf []byte) (IdentityMessage, error) {
	var w wireIdentity
	if err := binary.Unmarshal(buf, &w); err != nil {
		return IdentityMessage{}, err
	}
	msg := IdentityMessage{NodeID: w.NodeID, Signature: w.Signature}
	for _, ep := range w.Advertised {
		msg.Advertised = append(msg.Advertised, Endpoint{IP: ep.IP, Port: ep.Port})
	}
	return msg, nil
}

type wireKeepalive struct {
	Advertised []wireEndpoint
}

func (binaryCodec) EncodeKeepalive(advertised []Endpoint) ([]byte, error) {
	w := wireKeepalive{}
	for _, ep := range advertised {
		w.Advertised = append(w.Advertised, wireEndpoint{IP: ep.IP, Port: ep.Port})
	}
	return binary.Marshal(w)
}
