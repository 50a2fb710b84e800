// SPDX-License-Identifier: Apache-2.0

package krb5

import (
	"fmt"

	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/golang-auth/go-spnego"
)

// sessionKeys holds the key material and sequence number bases negotiated
// during the AP exchange.  Wire sequence numbers are the base plus the
// context-relative number supplied by the caller; the bases come from the
// authenticator and the AP-REP.
type sessionKeys struct {
	key        types.EncryptionKey
	subkey     bool // key is the negotiated acceptor subkey
	acceptor   bool
	localBase  uint64
	remoteBase uint64
}

// Zero erases the key material.
func (k *sessionKeys) Zero() {
	for i := range k.key.KeyValue {
		k.key.KeyValue[i] = 0
	}
}

func asSessionKeys(keys spnego.SessionKeys) (*sessionKeys, error) {
	k, ok := keys.(*sessionKeys)
	if !ok || k == nil {
		return nil, spnego.Status{Code: spnego.CodeNoContext, Context: "no Kerberos session keys available"}
	}

	return k, nil
}

// DeriveProtectionKeys selects the per-message key: the acceptor subkey
// when one was negotiated, otherwise the ticket session key.
func (m *Mech) DeriveProtectionKeys() (spnego.SessionKeys, error) {
	if m.step != stepDone || m.sessionKey == nil {
		return nil, spnego.Status{Code: spnego.CodeNoContext, Context: "Kerberos handshake is not complete"}
	}

	k := &sessionKeys{
		key:        *m.sessionKey,
		acceptor:   !m.isInitiator,
		localBase:  m.localSeq,
		remoteBase: m.peerSeq,
	}
	if m.acceptorSubKey != nil {
		k.key = *m.acceptorSubKey
		k.subkey = true
	}

	return k, nil
}

func (k *sessionKeys) tokenFlags(sealed bool) tokenFlag {
	var flags tokenFlag
	if k.acceptor {
		flags |= tokenFlagSentByAcceptor
	}
	if sealed {
		flags |= tokenFlagSealed
	}
	if k.subkey {
		flags |= tokenFlagAcceptorSubkey
	}

	return flags
}

// Wrap produces an RFC 4121 wrap token.  The 16-byte token header becomes
// the ProtectedMessage header; for signed messages the checksum is split
// out as the signature, sealed messages carry it inside the ciphertext.
func (m *Mech) Wrap(keys spnego.SessionKeys, seqNo uint64, msg []byte, conf bool) (*spnego.ProtectedMessage, error) {
	k, err := asSessionKeys(keys)
	if err != nil {
		return nil, err
	}

	wt := wrapToken{
		Flags:          k.tokenFlags(conf),
		SequenceNumber: k.localBase + seqNo,
		Payload:        append([]byte(nil), msg...),
	}

	if conf {
		err = wt.Seal(k.key)
	} else {
		err = wt.Sign(k.key)
	}
	if err != nil {
		return nil, err
	}

	b, err := wt.Marshal()
	if err != nil {
		return nil, err
	}

	pm := &spnego.ProtectedMessage{
		Header:         b[:msgTokenHdrLen],
		Sealed:         conf,
		SequenceNumber: seqNo,
	}
	if conf {
		pm.Payload = b[msgTokenHdrLen:]
	} else {
		pm.Payload = b[msgTokenHdrLen : len(b)-int(wt.EC)]
		pm.Signature = b[len(b)-int(wt.EC):]
	}

	return pm, nil
}

// Unwrap verifies an RFC 4121 wrap token and returns the original message.
func (m *Mech) Unwrap(keys spnego.SessionKeys, seqNo uint64, pm *spnego.ProtectedMessage) ([]byte, error) {
	k, err := asSessionKeys(keys)
	if err != nil {
		return nil, err
	}

	var wt wrapToken
	if err := wt.Unmarshal(pm.Marshal()); err != nil {
		return nil, err
	}

	sealed, err := wt.VerifyAndDecode(k.key, !k.acceptor)
	if err != nil {
		return nil, err
	}
	if sealed != pm.Sealed {
		return nil, spnego.Status{Code: spnego.CodeDefectiveToken,
			Context: "wrap token sealed flag does not match the message"}
	}

	if want := k.remoteBase + seqNo; wt.SequenceNumber != want {
		return nil, fmt.Errorf("krb5: message %d arrived while %d was expected: %w",
			wt.SequenceNumber, want, spnego.ErrUnseqToken)
	}

	return wt.Payload, nil
}

// MakeListMIC signs the SPNEGO mechanism list with an RFC 4121 MIC token.
func (m *Mech) MakeListMIC(keys spnego.SessionKeys, mechList []byte) ([]byte, error) {
	k, err := asSessionKeys(keys)
	if err != nil {
		return nil, err
	}

	mt := micToken{
		Flags:          k.tokenFlags(false) &^ tokenFlagSealed,
		SequenceNumber: k.localBase,
	}
	if err := mt.Sign(mechList, k.key); err != nil {
		return nil, err
	}

	return mt.Marshal()
}

func (m *Mech) VerifyListMIC(keys spnego.SessionKeys, mechList []byte, mic []byte) error {
	k, err := asSessionKeys(keys)
	if err != nil {
		return err
	}

	var mt micToken
	if err := mt.Unmarshal(mic); err != nil {
		return err
	}

	return mt.Verify(mechList, k.key, !k.acceptor)
}

// ParseProtected reconstructs a ProtectedMessage from the wire form of an
// RFC 4121 wrap token.
func ParseProtected(b []byte) (*spnego.ProtectedMessage, error) {
	var wt wrapToken
	if err := wt.Unmarshal(b); err != nil {
		return nil, err
	}

	sealed := wt.Flags&tokenFlagSealed != 0
	pm := &spnego.ProtectedMessage{
		Header:         b[:msgTokenHdrLen],
		Sealed:         sealed,
		SequenceNumber: wt.SequenceNumber,
	}
	if sealed || int(wt.EC) > len(wt.Payload) {
		pm.Payload = b[msgTokenHdrLen:]
	} else {
		pm.Payload = b[msgTokenHdrLen : len(b)-int(wt.EC)]
		pm.Signature = b[len(b)-int(wt.EC):]
	}

	return pm, nil
}
