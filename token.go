// SPDX-License-Identifier: Apache-2.0

package spnego

import (
	"bytes"
	"encoding/binary"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
)

// NegState is the negotiation state carried in a NegTokenResp (RFC 4178
// § 4.2.2).
type NegState int

const (
	NegStateAcceptCompleted NegState = iota
	NegStateAcceptIncomplete
	NegStateReject
	NegStateRequestMIC
)

func (s NegState) String() string {
	switch s {
	case NegStateAcceptCompleted:
		return "accept-completed"
	case NegStateAcceptIncomplete:
		return "accept-incomplete"
	case NegStateReject:
		return "reject"
	case NegStateRequestMIC:
		return "request-mic"
	}

	return "unknown"
}

// Token is the parsed representation of one wire token.  Values are
// transient: they are produced and consumed per handshake leg and never
// retained across Step calls.
type Token interface {
	Marshal() ([]byte, error)
}

// NegTokenInit is the initial SPNEGO token (RFC 4178 § 4.2.1), carried
// inside the RFC 2743 § 3.1 initial context token framing.
type NegTokenInit struct {
	MechTypes   []Oid
	MechToken   []byte
	MechListMIC []byte
}

// NegTokenResp is the SPNEGO response token (RFC 4178 § 4.2.2).
type NegTokenResp struct {
	NegState      NegState
	SupportedMech Oid // present only before completion
	ResponseToken []byte
	MechListMIC   []byte
}

// RawMechToken is a token that is not SPNEGO-wrapped: a bare Kerberos
// context token or a naked NTLM message.
type RawMechToken struct {
	OID   Oid
	Bytes []byte
}

// wire structures for the gofork DER codec

type marshalNegTokenInit struct {
	MechTypes   []asn1.ObjectIdentifier `asn1:"explicit,tag:0"`
	ReqFlags    asn1.BitString          `asn1:"explicit,optional,tag:1"`
	MechToken   []byte                  `asn1:"explicit,optional,omitempty,tag:2"`
	MechListMIC []byte                  `asn1:"explicit,optional,omitempty,tag:3"`
}

type marshalNegTokenResp struct {
	NegState      asn1.Enumerated       `asn1:"explicit,tag:0"`
	SupportedMech asn1.ObjectIdentifier `asn1:"explicit,optional,tag:1"`
	ResponseToken []byte                `asn1:"explicit,optional,omitempty,tag:2"`
	MechListMIC   []byte                `asn1:"explicit,optional,omitempty,tag:3"`
}

var ntlmsspSignature = []byte("NTLMSSP\x00")

// Marshal encodes the token inside the GSS-API initial context token
// framing: [APPLICATION 0] { SPNEGO-OID, [0] NegTokenInit }.
func (t *NegTokenInit) Marshal() ([]byte, error) {
	if len(t.MechTypes) == 0 {
		return nil, errStatus(CodeDefectiveToken, "initial token must offer at least one mechanism")
	}

	m := marshalNegTokenInit{
		MechToken:   t.MechToken,
		MechListMIC: t.MechListMIC,
	}
	for _, oid := range t.MechTypes {
		aoid, err := oid.asn1Oid()
		if err != nil {
			return nil, errStatus(CodeBadMech, "bad mechanism OID in mechTypes")
		}
		m.MechTypes = append(m.MechTypes, aoid)
	}

	inner, err := asn1.Marshal(m)
	if err != nil {
		return nil, errStatus(CodeDefectiveToken, "encoding NegTokenInit: %v", err)
	}

	// negTokenInit is alternative [0] of the NegotiationToken CHOICE
	choice, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner})
	if err != nil {
		return nil, errStatus(CodeDefectiveToken, "encoding NegTokenInit choice: %v", err)
	}

	spnegoOid, _ := OidSPNEGO.asn1Oid()
	b, _ := asn1.Marshal(spnegoOid)
	b = append(b, choice...)

	return asn1tools.AddASNAppTag(b, 0), nil
}

// Marshal encodes the token as alternative [1] of the NegotiationToken
// CHOICE.  Response tokens are not wrapped in the GSS-API framing.
func (t *NegTokenResp) Marshal() ([]byte, error) {
	m := marshalNegTokenResp{
		NegState:      asn1.Enumerated(t.NegState),
		ResponseToken: t.ResponseToken,
		MechListMIC:   t.MechListMIC,
	}
	if t.SupportedMech != nil {
		aoid, err := t.SupportedMech.asn1Oid()
		if err != nil {
			return nil, errStatus(CodeBadMech, "bad supportedMech OID")
		}
		m.SupportedMech = aoid
	}

	inner, err := asn1.Marshal(m)
	if err != nil {
		return nil, errStatus(CodeDefectiveToken, "encoding NegTokenResp: %v", err)
	}

	b, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true, Bytes: inner})
	if err != nil {
		return nil, errStatus(CodeDefectiveToken, "encoding NegTokenResp choice: %v", err)
	}

	return b, nil
}

// Marshal returns the token bytes unchanged; raw mechanism tokens carry
// their own framing.
func (t *RawMechToken) Marshal() ([]byte, error) {
	return t.Bytes, nil
}

// DecodeToken parses one wire token.  SPNEGO tokens are recognized by their
// ASN.1 framing, NTLM messages by the NTLMSSP signature and bare Kerberos
// context tokens by the mechanism OID inside the GSS-API framing.  Anything
// else fails with a DefectiveToken status.
func DecodeToken(b []byte) (Token, error) {
	switch {
	case len(b) == 0:
		return nil, errStatus(CodeDefectiveToken, "empty token")

	case bytes.HasPrefix(b, ntlmsspSignature):
		return decodeNTLMToken(b)

	case b[0] == 0x60:
		return decodeInitialToken(b)

	case b[0] == 0xa1:
		return decodeNegTokenResp(b)
	}

	return nil, errStatus(CodeDefectiveToken, "unrecognized token format")
}

func decodeNTLMToken(b []byte) (Token, error) {
	// fixed layout: signature at offset 0, message type at offset 8
	if len(b) < 12 {
		return nil, errStatus(CodeDefectiveToken, "NTLM token too short")
	}

	msgType := binary.LittleEndian.Uint32(b[8:12])
	if msgType < 1 || msgType > 3 {
		return nil, errStatus(CodeDefectiveToken, "unrecognized token format: bad NTLM message type %d", msgType)
	}

	return &RawMechToken{OID: OidNTLMSSP, Bytes: b}, nil
}

func decodeInitialToken(b []byte) (Token, error) {
	var oid asn1.ObjectIdentifier
	rest, err := asn1.UnmarshalWithParams(b, &oid, "application,explicit,tag:0")
	if err != nil {
		return nil, errStatus(CodeDefectiveToken, "malformed initial context token: %v", err)
	}

	mechOid := oidFromASN1(oid)

	// bare Kerberos context tokens use the same framing with the krb5 OID
	if !bytes.Equal(mechOid, OidSPNEGO) {
		return &RawMechToken{OID: mechOid, Bytes: b}, nil
	}

	if len(rest) == 0 || rest[0] != 0xa0 {
		return nil, errStatus(CodeDefectiveToken, "SPNEGO initial token is not a negTokenInit")
	}

	var m marshalNegTokenInit
	if _, err := asn1.UnmarshalWithParams(rest, &m, "explicit,tag:0"); err != nil {
		return nil, errStatus(CodeDefectiveToken, "malformed NegTokenInit: %v", err)
	}
	if len(m.MechTypes) == 0 {
		return nil, errStatus(CodeDefectiveToken, "NegTokenInit has an empty mechTypes list")
	}

	t := &NegTokenInit{
		MechToken:   m.MechToken,
		MechListMIC: m.MechListMIC,
	}
	for _, aoid := range m.MechTypes {
		t.MechTypes = append(t.MechTypes, oidFromASN1(aoid))
	}

	return t, nil
}

func decodeNegTokenResp(b []byte) (Token, error) {
	var m marshalNegTokenResp
	if _, err := asn1.UnmarshalWithParams(b, &m, "explicit,tag:1"); err != nil {
		return nil, errStatus(CodeDefectiveToken, "malformed NegTokenResp: %v", err)
	}

	if m.NegState < asn1.Enumerated(NegStateAcceptCompleted) || m.NegState > asn1.Enumerated(NegStateRequestMIC) {
		return nil, errStatus(CodeDefectiveToken, "NegTokenResp has invalid negState %d", m.NegState)
	}

	t := &NegTokenResp{
		NegState:      NegState(m.NegState),
		ResponseToken: m.ResponseToken,
		MechListMIC:   m.MechListMIC,
	}
	if len(m.SupportedMech) > 0 {
		t.SupportedMech = oidFromASN1(m.SupportedMech)
	}

	return t, nil
}

// marshalMechList produces the DER encoding of the offered MechTypeList.
// This is the exact byte string the mechListMIC is computed over (RFC 4178
// § 5); both peers must derive it identically from the initiator's offer.
func marshalMechList(oids []Oid) ([]byte, error) {
	aoids := make([]asn1.ObjectIdentifier, 0, len(oids))
	for _, oid := range oids {
		aoid, err := oid.asn1Oid()
		if err != nil {
			return nil, errStatus(CodeBadMech, "bad mechanism OID in mech list")
		}
		aoids = append(aoids, aoid)
	}

	b, err := asn1.Marshal(aoids)
	if err != nil {
		return nil, errStatus(CodeDefectiveToken, "encoding mech list: %v", err)
	}

	return b, nil
}
