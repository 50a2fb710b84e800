// SPDX-License-Identifier: Apache-2.0

package krb5

import (
	"fmt"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana"
	"github.com/jcmturner/gokrb5/v8/iana/asnAppTag"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/golang-auth/go-spnego"
)

// gokrb5 only consumes AP-REP messages; the acceptor side here has to
// produce one for mutual authentication, so the message gets its own codec.

// aPRep is the RFC 4120 § 5.5.2 KRB_AP_REP message.
type aPRep struct {
	PVNO    int                 `asn1:"explicit,tag:0"`
	MsgType int                 `asn1:"explicit,tag:1"`
	EncPart types.EncryptedData `asn1:"explicit,tag:2"`
}

// encAPRepPart is the encrypted part of KRB_AP_REP: the echoed authenticator
// times plus the optional acceptor subkey and sequence number.
type encAPRepPart struct {
	CTime          time.Time           `asn1:"generalized,explicit,tag:0"`
	Cusec          int                 `asn1:"explicit,tag:1"`
	Subkey         types.EncryptionKey `asn1:"optional,explicit,tag:2"`
	SequenceNumber int64               `asn1:"optional,explicit,tag:3"`
}

// newAPRep encrypts encPart under the ticket session key and assembles the
// reply message.
func newAPRep(tkt messages.Ticket, sessionKey types.EncryptionKey, encPart encAPRepPart) (aPRep, error) {
	inner, err := encPart.marshal()
	if err != nil {
		return aPRep{}, err
	}

	ed, err := crypto.GetEncryptedData(inner, sessionKey, uint32(keyusage.AP_REP_ENCPART), tkt.EncPart.KVNO)
	if err != nil {
		return aPRep{}, spnego.Status{Code: spnego.CodeFailure,
			Context: fmt.Sprintf("encrypting AP-REP enc-part: %v", err)}
	}

	return aPRep{
		PVNO:    iana.PVNO,
		MsgType: msgtype.KRB_AP_REP,
		EncPart: ed,
	}, nil
}

func (a *aPRep) marshal() ([]byte, error) {
	b, err := asn1.Marshal(*a)
	if err != nil {
		return nil, spnego.Status{Code: spnego.CodeFailure,
			Context: fmt.Sprintf("encoding AP-REP: %v", err)}
	}

	return asn1tools.AddASNAppTag(b, asnAppTag.APREP), nil
}

func (a *aPRep) unmarshal(b []byte) error {
	if _, err := asn1.UnmarshalWithParams(b, a, fmt.Sprintf("application,explicit,tag:%v", asnAppTag.APREP)); err != nil {
		// some peers answer with a bare KRB-ERROR where an AP-REP was
		// expected; surface it as the failure cause
		var krberr messages.KRBError
		if krberr.Unmarshal(b) == nil {
			return krberr
		}

		return spnego.Status{Code: spnego.CodeDefectiveToken,
			Context: fmt.Sprintf("malformed AP-REP: %v", err)}
	}

	if a.MsgType != msgtype.KRB_AP_REP {
		return spnego.Status{Code: spnego.CodeDefectiveToken,
			Context: fmt.Sprintf("message type %d is not an AP-REP", a.MsgType)}
	}

	return nil
}

// decryptEncPart decrypts and decodes the encrypted part with the ticket
// session key.
func (a *aPRep) decryptEncPart(sessionKey types.EncryptionKey) (encAPRepPart, error) {
	decrypted, err := crypto.DecryptEncPart(a.EncPart, sessionKey, uint32(keyusage.AP_REP_ENCPART))
	if err != nil {
		return encAPRepPart{}, spnego.Status{Code: spnego.CodeBadMIC,
			Context: fmt.Sprintf("decrypting AP-REP enc-part: %v", err)}
	}

	var encpart encAPRepPart
	if err := encpart.unmarshal(decrypted); err != nil {
		return encAPRepPart{}, err
	}

	return encpart, nil
}

func (a *encAPRepPart) marshal() ([]byte, error) {
	b, err := asn1.Marshal(*a)
	if err != nil {
		return nil, spnego.Status{Code: spnego.CodeFailure,
			Context: fmt.Sprintf("encoding AP-REP enc-part: %v", err)}
	}

	return asn1tools.AddASNAppTag(b, asnAppTag.EncAPRepPart), nil
}

func (a *encAPRepPart) unmarshal(b []byte) error {
	if _, err := asn1.UnmarshalWithParams(b, a, fmt.Sprintf("application,explicit,tag:%v", asnAppTag.EncAPRepPart)); err != nil {
		return spnego.Status{Code: spnego.CodeDefectiveToken,
			Context: fmt.Sprintf("malformed AP-REP enc-part: %v", err)}
	}

	return nil
}
