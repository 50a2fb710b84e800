// SPDX-License-Identifier: Apache-2.0

package krb5

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/messages"

	"github.com/golang-auth/go-spnego"
)

// Kerberos mechanism token IDs, RFC 4121 § 4.1.
const (
	tokIDAPReq  = "0100"
	tokIDAPRep  = "0200"
	tokIDKRBErr = "0300"
)

func mechOID() asn1.ObjectIdentifier {
	return asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 2}
}

// kRB5Token is the GSS-API framed Kerberos context token: an application
// tag wrapping the mechanism OID, a two-byte token ID, and one of AP-REQ,
// AP-REP or KRB-ERROR.
type kRB5Token struct {
	OID      asn1.ObjectIdentifier
	tokID    []byte
	APReq    *messages.APReq
	APRep    *aPRep
	KRBError *messages.KRBError
}

func (m *kRB5Token) marshal() ([]byte, error) {
	b, _ := asn1.Marshal(m.OID)
	b = append(b, m.tokID...)

	var tb []byte
	var err error
	switch hex.EncodeToString(m.tokID) {
	case tokIDAPReq:
		tb, err = m.APReq.Marshal()
	case tokIDAPRep:
		tb, err = m.APRep.marshal()
	case tokIDKRBErr:
		tb, err = m.KRBError.Marshal()
	}
	if err != nil {
		return nil, spnego.Status{Code: spnego.CodeFailure,
			Context: fmt.Sprintf("marshalling Kerberos context token: %v", err)}
	}
	b = append(b, tb...)

	return asn1tools.AddASNAppTag(b, 0), nil
}

func (m *kRB5Token) unmarshal(b []byte) error {
	m.APReq = nil
	m.APRep = nil
	m.KRBError = nil

	var oid asn1.ObjectIdentifier
	r, err := asn1.UnmarshalWithParams(b, &oid, "application,explicit,tag:0")
	if err != nil {
		return spnego.Status{Code: spnego.CodeDefectiveToken,
			Context: fmt.Sprintf("unmarshalling Kerberos token OID: %v", err)}
	}
	if !oid.Equal(mechOID()) {
		return spnego.Status{Code: spnego.CodeBadMech,
			Context: fmt.Sprintf("token OID is %s, not the Kerberos mechanism", oid.String())}
	}
	m.OID = oid

	if len(r) < 2 {
		return spnego.Status{Code: spnego.CodeDefectiveToken, Context: "Kerberos token too short"}
	}
	m.tokID = r[0:2]

	switch hex.EncodeToString(m.tokID) {
	case tokIDAPReq:
		var a messages.APReq
		if err := a.Unmarshal(r[2:]); err != nil {
			return spnego.Status{Code: spnego.CodeDefectiveToken,
				Context: fmt.Sprintf("unmarshalling AP-REQ: %v", err)}
		}
		m.APReq = &a
	case tokIDAPRep:
		var a aPRep
		if err := a.unmarshal(r[2:]); err != nil {
			return spnego.Status{Code: spnego.CodeDefectiveToken,
				Context: fmt.Sprintf("unmarshalling AP-REP: %v", err)}
		}
		m.APRep = &a
	case tokIDKRBErr:
		var a messages.KRBError
		if err := a.Unmarshal(r[2:]); err != nil {
			return spnego.Status{Code: spnego.CodeDefectiveToken,
				Context: fmt.Sprintf("unmarshalling KRB-ERROR: %v", err)}
		}
		m.KRBError = &a
	default:
		return spnego.Status{Code: spnego.CodeDefectiveToken,
			Context: fmt.Sprintf("unknown Kerberos token ID %x", m.tokID)}
	}

	return nil
}

// newAuthenticatorChksum builds the RFC 4121 § 4.1.1 authenticator
// checksum: channel binding hash, then the requested context flags.  This
// is not a checksum at all, it carries GSS context information inside the
// AP-REQ.
func newAuthenticatorChksum(flags spnego.ContextFlag, cb *spnego.ChannelBinding) []byte {
	a := make([]byte, 24)

	// 4-byte length of the channel binding field, always 16
	binary.LittleEndian.PutUint32(a[:4], 16)

	if cb != nil {
		copy(a[4:20], channelBindingHash(cb))
	}

	binary.LittleEndian.PutUint32(a[20:24], uint32(flags))

	return a
}

// channelBindingHash is the MD5 of the GSS channel bindings struct with
// zero address fields, RFC 4121 § 4.1.1.2.
func channelBindingHash(cb *spnego.ChannelBinding) []byte {
	h := md5.New()
	var zeros [16]byte
	h.Write(zeros[:])

	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(cb.Data)))
	h.Write(l[:])
	h.Write(cb.Data)

	return h.Sum(nil)
}

// parseAuthenticatorChksum extracts the context flags from a received authenticator
// checksum, and its channel binding hash field.
func parseAuthenticatorChksum(b []byte) (flags spnego.ContextFlag, bindings []byte, err error) {
	if len(b) < 24 {
		return 0, nil, spnego.Status{Code: spnego.CodeDefectiveToken,
			Context: "authenticator checksum too short"}
	}
	if binary.LittleEndian.Uint32(b[:4]) != 16 {
		return 0, nil, spnego.Status{Code: spnego.CodeDefectiveToken,
			Context: "bad channel binding length in authenticator checksum"}
	}

	return spnego.ContextFlag(binary.LittleEndian.Uint32(b[20:24])), b[4:20], nil
}
