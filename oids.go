// SPDX-License-Identifier: Apache-2.0

package spnego

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jcmturner/gofork/encoding/asn1"
)

// Oid represents an Object Identifier as used throughout GSSAPI and SPNEGO.
// Elements of the byte slice represent the DER encoding of the object
// identifier, excluding the ASN.1 header (two bytes: tag value 0x06 and
// length).
//
// Mechanisms are identified by their OIDs on the wire; equality is byte-exact.
// The empty or nil Oid value does not have any special meaning.
type Oid []byte

// Well known mechanism OIDs.
var (
	// OidSPNEGO is the SPNEGO pseudo-mechanism, 1.3.6.1.5.5.2 (RFC 4178)
	OidSPNEGO = Oid{0x2b, 0x06, 0x01, 0x05, 0x05, 0x02}

	// OidKRB5 is the official IETF Kerberos 5 mechanism, 1.2.840.113554.1.2.2
	OidKRB5 = Oid{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x12, 0x01, 0x02, 0x02}

	// OidMSKRB5 is the legacy Microsoft Kerberos 5 mechanism, 1.2.840.48018.1.2.2
	OidMSKRB5 = Oid{0x2a, 0x86, 0x48, 0x82, 0xf7, 0x12, 0x01, 0x02, 0x02}

	// OidNTLMSSP is the NTLM security provider, 1.3.6.1.4.1.311.2.2.10
	OidNTLMSSP = Oid{0x2b, 0x06, 0x01, 0x04, 0x01, 0x82, 0x37, 0x02, 0x02, 0x0a}
)

// String returns the dotted-decimal representation of the OID.
func (oid Oid) String() string {
	arcs, err := oid.arcs()
	if err != nil {
		return fmt.Sprintf("%%!BADOID(% 02x)", []byte(oid))
	}

	parts := make([]string, len(arcs))
	for i, a := range arcs {
		parts[i] = strconv.Itoa(a)
	}

	return strings.Join(parts, ".")
}

// asn1Oid returns the gofork asn1 representation of the OID, for use with
// the DER codec.
func (oid Oid) asn1Oid() (asn1.ObjectIdentifier, error) {
	arcs, err := oid.arcs()
	if err != nil {
		return nil, err
	}

	return asn1.ObjectIdentifier(arcs), nil
}

func (oid Oid) arcs() ([]int, error) {
	if len(oid) == 0 {
		return nil, ErrBadMech
	}

	arcs := make([]int, 0, len(oid)+1)

	// the first octet encodes the first two arcs as arc1*40 + arc2
	first := int(oid[0])
	switch {
	case first < 40:
		arcs = append(arcs, 0, first)
	case first < 80:
		arcs = append(arcs, 1, first-40)
	default:
		arcs = append(arcs, 2, first-80)
	}

	var v int
	for i := 1; i < len(oid); i++ {
		v = v<<7 | int(oid[i]&0x7f)
		if oid[i]&0x80 == 0 {
			arcs = append(arcs, v)
			v = 0
		} else if i == len(oid)-1 {
			// base-128 sub-identifier with no terminating octet
			return nil, ErrBadMech
		}
	}

	return arcs, nil
}

// oidFromASN1 converts a decoded asn1.ObjectIdentifier back to the wire Oid.
func oidFromASN1(aoid asn1.ObjectIdentifier) Oid {
	if len(aoid) < 2 {
		return nil
	}

	out := []byte{byte(aoid[0]*40 + aoid[1])}
	for _, arc := range aoid[2:] {
		out = append(out, base128(arc)...)
	}

	return out
}

func base128(v int) []byte {
	if v == 0 {
		return []byte{0}
	}

	var tmp []byte
	for ; v > 0; v >>= 7 {
		tmp = append(tmp, byte(v&0x7f)|0x80)
	}

	// emitted little-endian above; reverse and clear the final continuation bit
	out := make([]byte, len(tmp))
	for i, b := range tmp {
		out[len(tmp)-1-i] = b
	}
	out[len(out)-1] &^= 0x80

	return out
}
