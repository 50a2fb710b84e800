// SPDX-License-Identifier: Apache-2.0

package krb5

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/golang-auth/go-spnego"
)

// RFC 4121 § 4.2.6
const (
	msgTokenHdrLen          = 16
	msgTokenFillerByte byte = 0xFF
)

// RFC 4121 § 4.2.2
type tokenFlag uint8

const (
	tokenFlagSentByAcceptor tokenFlag = 1 << iota
	tokenFlagSealed
	tokenFlagAcceptorSubkey
)

var wrapTokenID = [2]byte{0x05, 0x04}
var micTokenID = [2]byte{0x04, 0x04}

// wrapToken is an RFC 4121 § 4.2.6.2 per-message token.  The payload holds
// the plaintext plus trailing checksum once signed, or the ciphertext once
// sealed.
type wrapToken struct {
	Flags          tokenFlag
	EC             uint16 // extra count: checksum or padding length
	RRC            uint16 // right rotation count, produced by SSPI peers
	SequenceNumber uint64
	Payload        []byte
	signedOrSealed bool
}

// micToken is an RFC 4121 § 4.2.6.1 integrity-only token.  It carries a
// checksum over an external payload that is not itself transmitted in the
// token.
type micToken struct {
	Flags          tokenFlag
	SequenceNumber uint64
	Checksum       []byte
	signed         bool
}

// sealUsage returns the RFC 4121 § 2 key usage for wrap tokens, selected by
// the sender's role.
func sealUsage(flags tokenFlag) uint32 {
	if flags&tokenFlagSentByAcceptor != 0 {
		return keyusage.GSSAPI_ACCEPTOR_SEAL
	}

	return keyusage.GSSAPI_INITIATOR_SEAL
}

func signUsage(flags tokenFlag) uint32 {
	if flags&tokenFlagSentByAcceptor != 0 {
		return keyusage.GSSAPI_ACCEPTOR_SIGN
	}

	return keyusage.GSSAPI_INITIATOR_SIGN
}

func (wt *wrapToken) header() []byte {
	hdr := make([]byte, msgTokenHdrLen)
	copy(hdr, wrapTokenID[:])
	hdr[2] = byte(wt.Flags)
	hdr[3] = msgTokenFillerByte
	// EC and RRC are zero in the checksummed form
	binary.BigEndian.PutUint64(hdr[8:], wt.SequenceNumber)

	return hdr
}

// checksum computes the RFC 4121 § 4.2.4 signature: the payload followed by
// the token header with EC and RRC zeroed.
func (wt *wrapToken) checksum(key types.EncryptionKey) ([]byte, error) {
	data := make([]byte, 0, len(wt.Payload)+msgTokenHdrLen)
	data = append(data, wt.Payload...)
	data = append(data, wt.header()...)

	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return nil, spnego.Status{Code: spnego.CodeFailure, Context: err.Error()}
	}

	cksum, err := encType.GetChecksumHash(key.KeyValue, data, sealUsage(wt.Flags))
	if err != nil {
		return nil, spnego.Status{Code: spnego.CodeFailure, Context: err.Error()}
	}

	return cksum, nil
}

// Sign appends the checksum to the payload and records its length in EC.
func (wt *wrapToken) Sign(key types.EncryptionKey) error {
	if wt.Payload == nil {
		return spnego.Status{Code: spnego.CodeFailure, Context: "no payload to sign"}
	}
	if wt.signedOrSealed {
		return spnego.Status{Code: spnego.CodeFailure, Context: "token is already signed or sealed"}
	}

	sig, err := wt.checksum(key)
	if err != nil {
		return err
	}

	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return spnego.Status{Code: spnego.CodeFailure, Context: err.Error()}
	}

	wt.Payload = append(wt.Payload, sig...)
	wt.EC = uint16(encType.GetHMACBitLength() / 8)
	wt.RRC = 0
	wt.signedOrSealed = true

	return nil
}

// Seal encrypts the payload together with a copy of the token header, RFC
// 4121 § 4.2.4.
func (wt *wrapToken) Seal(key types.EncryptionKey) error {
	if wt.Payload == nil {
		return spnego.Status{Code: spnego.CodeFailure, Context: "no payload to seal"}
	}
	if wt.signedOrSealed {
		return spnego.Status{Code: spnego.CodeFailure, Context: "token is already signed or sealed"}
	}

	// the sealed flag is part of the header that gets encrypted alongside
	// the payload, so it must be set before the header copy is taken
	wt.Flags |= tokenFlagSealed

	toEncrypt := make([]byte, 0, len(wt.Payload)+msgTokenHdrLen)
	toEncrypt = append(toEncrypt, wt.Payload...)
	toEncrypt = append(toEncrypt, wt.header()...)

	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return spnego.Status{Code: spnego.CodeFailure, Context: err.Error()}
	}

	_, encData, err := encType.EncryptMessage(key.KeyValue, toEncrypt, sealUsage(wt.Flags))
	if err != nil {
		return spnego.Status{Code: spnego.CodeFailure, Context: err.Error()}
	}

	wt.Payload = encData
	wt.EC = 0
	wt.RRC = 0
	wt.signedOrSealed = true

	return nil
}

func (wt *wrapToken) Marshal() ([]byte, error) {
	if !wt.signedOrSealed {
		return nil, spnego.Status{Code: spnego.CodeFailure, Context: "wrap token is not signed or sealed"}
	}

	token := make([]byte, msgTokenHdrLen+len(wt.Payload))
	copy(token, wrapTokenID[:])
	token[2] = byte(wt.Flags)
	token[3] = msgTokenFillerByte
	binary.BigEndian.PutUint16(token[4:6], wt.EC)
	binary.BigEndian.PutUint16(token[6:8], wt.RRC)
	binary.BigEndian.PutUint64(token[8:16], wt.SequenceNumber)
	copy(token[16:], wt.Payload)

	return token, nil
}

func (wt *wrapToken) Unmarshal(token []byte) error {
	*wt = wrapToken{}

	if len(token) < msgTokenHdrLen {
		return spnego.Status{Code: spnego.CodeDefectiveToken, Context: "wrap token is too short"}
	}

	// 0x60 marks GSS-API v1 generic framing, reserved by RFC 4121 § 4.4
	if token[0] == 0x60 {
		return spnego.Status{Code: spnego.CodeDefectiveToken,
			Context: "GSS-API v1 message tokens are not supported"}
	}

	if !bytes.Equal(wrapTokenID[:], token[0:2]) {
		return spnego.Status{Code: spnego.CodeDefectiveToken, Context: "bad wrap token ID"}
	}

	wt.Flags = tokenFlag(token[2])

	if token[3] != msgTokenFillerByte {
		return spnego.Status{Code: spnego.CodeDefectiveToken, Context: "bad wrap token filler"}
	}

	wt.EC = binary.BigEndian.Uint16(token[4:6])
	wt.RRC = binary.BigEndian.Uint16(token[6:8])
	wt.SequenceNumber = binary.BigEndian.Uint64(token[8:16])

	if len(token) > msgTokenHdrLen {
		wt.Payload = token[16:]
	}

	wt.signedOrSealed = true

	return nil
}

// VerifyAndDecode checks the sender role, undoes any SSPI rotation, then
// verifies the signature or decrypts the payload.  On success the payload
// holds the original message.
func (wt *wrapToken) VerifyAndDecode(key types.EncryptionKey, expectFromAcceptor bool) (isSealed bool, err error) {
	if !wt.signedOrSealed {
		return false, spnego.Status{Code: spnego.CodeFailure, Context: "wrap token is not signed or sealed"}
	}
	if len(wt.Payload) == 0 {
		return false, spnego.Status{Code: spnego.CodeDefectiveToken, Context: "empty wrap token payload"}
	}

	isFromAcceptor := wt.Flags&tokenFlagSentByAcceptor != 0
	if isFromAcceptor != expectFromAcceptor {
		return false, spnego.Status{Code: spnego.CodeDefectiveToken,
			Context: fmt.Sprintf("wrap token from acceptor: %t, expected from acceptor: %t",
				isFromAcceptor, expectFromAcceptor)}
	}

	// SSPI peers rotate EC+checksum bytes to the front of the payload
	if wt.RRC > 0 {
		rotateLeft(wt.Payload, uint(wt.RRC))
		wt.RRC = 0
	}

	if wt.Flags&tokenFlagSealed != 0 {
		return true, wt.decrypt(key)
	}

	return false, wt.checkSig(key)
}

func (wt *wrapToken) decrypt(key types.EncryptionKey) error {
	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return spnego.Status{Code: spnego.CodeFailure, Context: err.Error()}
	}

	decrypted, err := encType.DecryptMessage(key.KeyValue, wt.Payload, sealUsage(wt.Flags))
	if err != nil {
		return spnego.Status{Code: spnego.CodeBadMIC, Context: err.Error()}
	}

	if len(decrypted) < int(wt.EC)+msgTokenHdrLen {
		return spnego.Status{Code: spnego.CodeDefectiveToken,
			Context: "decrypted wrap token payload is too short"}
	}

	// the plaintext carries a copy of the header; a mismatch means the
	// cleartext header was modified in flight
	var inner wrapToken
	if err := inner.Unmarshal(decrypted[len(decrypted)-msgTokenHdrLen:]); err != nil {
		return err
	}
	if wt.Flags != inner.Flags || wt.EC != inner.EC ||
		wt.SequenceNumber != inner.SequenceNumber {
		return spnego.Status{Code: spnego.CodeBadMIC, Context: "wrap token header was modified"}
	}

	wt.Payload = decrypted[:len(decrypted)-msgTokenHdrLen-int(wt.EC)]
	wt.signedOrSealed = false

	return nil
}

func (wt *wrapToken) checkSig(key types.EncryptionKey) error {
	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return spnego.Status{Code: spnego.CodeFailure, Context: err.Error()}
	}

	if wt.EC != uint16(encType.GetHMACBitLength()/8) {
		return spnego.Status{Code: spnego.CodeDefectiveToken, Context: "bad wrap token checksum length"}
	}
	if len(wt.Payload) < int(wt.EC) {
		return spnego.Status{Code: spnego.CodeDefectiveToken, Context: "signed wrap token payload is too short"}
	}

	tokCksum := wt.Payload[len(wt.Payload)-int(wt.EC):]

	plain := *wt
	plain.Payload = wt.Payload[:len(wt.Payload)-int(wt.EC)]
	want, err := plain.checksum(key)
	if err != nil {
		return err
	}

	if !hmac.Equal(tokCksum, want) {
		return spnego.Status{Code: spnego.CodeBadMIC, Context: "wrap token checksum mismatch"}
	}

	wt.Payload = plain.Payload
	wt.signedOrSealed = false

	return nil
}

// rotateLeft mirrors MIT's gss_krb5int_rotate_left, operating in place.
func rotateLeft(buf []byte, rc uint) []byte {
	if len(buf) == 0 {
		return buf
	}

	rc = rc % uint(len(buf))
	if rc == 0 {
		return buf
	}

	tmp := make([]byte, rc)
	copy(tmp, buf[:rc])
	copy(buf, buf[rc:])
	copy(buf[uint(len(buf))-rc:], tmp)

	return buf
}

func (mt *micToken) header() []byte {
	hdr := make([]byte, msgTokenHdrLen)
	copy(hdr, micTokenID[:])
	hdr[2] = byte(mt.Flags)
	copy(hdr[3:8], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	binary.BigEndian.PutUint64(hdr[8:], mt.SequenceNumber)

	return hdr
}

// Sign computes the checksum over the external payload followed by the
// token header.  MIC tokens always use the Sign key usages.
func (mt *micToken) Sign(payload []byte, key types.EncryptionKey) error {
	data := make([]byte, 0, len(payload)+msgTokenHdrLen)
	data = append(data, payload...)
	data = append(data, mt.header()...)

	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return spnego.Status{Code: spnego.CodeFailure, Context: err.Error()}
	}

	mt.Checksum, err = encType.GetChecksumHash(key.KeyValue, data, signUsage(mt.Flags))
	if err != nil {
		return spnego.Status{Code: spnego.CodeFailure, Context: err.Error()}
	}

	mt.signed = true

	return nil
}

func (mt *micToken) Marshal() ([]byte, error) {
	if !mt.signed {
		return nil, spnego.Status{Code: spnego.CodeFailure, Context: "MIC token is not signed"}
	}

	token := make([]byte, msgTokenHdrLen+len(mt.Checksum))
	copy(token, mt.header())
	copy(token[16:], mt.Checksum)

	return token, nil
}

func (mt *micToken) Unmarshal(token []byte) error {
	*mt = micToken{}

	if len(token) < msgTokenHdrLen {
		return spnego.Status{Code: spnego.CodeDefectiveToken, Context: "MIC token is too short"}
	}
	if token[0] == 0x60 {
		return spnego.Status{Code: spnego.CodeDefectiveToken,
			Context: "GSS-API v1 message tokens are not supported"}
	}
	if !bytes.Equal(micTokenID[:], token[0:2]) {
		return spnego.Status{Code: spnego.CodeDefectiveToken, Context: "bad MIC token ID"}
	}

	mt.Flags = tokenFlag(token[2])

	if !bytes.Equal(token[3:8], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) {
		return spnego.Status{Code: spnego.CodeDefectiveToken, Context: "bad MIC token filler"}
	}

	mt.SequenceNumber = binary.BigEndian.Uint64(token[8:16])

	if len(token) > msgTokenHdrLen {
		mt.Checksum = token[16:]
	}

	mt.signed = true

	return nil
}

func (mt *micToken) Verify(payload []byte, key types.EncryptionKey, expectFromAcceptor bool) error {
	if !mt.signed {
		return spnego.Status{Code: spnego.CodeFailure, Context: "MIC token is not signed"}
	}
	if len(payload) == 0 {
		return spnego.Status{Code: spnego.CodeDefectiveToken, Context: "empty MIC token payload"}
	}

	isFromAcceptor := mt.Flags&tokenFlagSentByAcceptor != 0
	if isFromAcceptor != expectFromAcceptor {
		return spnego.Status{Code: spnego.CodeDefectiveToken,
			Context: fmt.Sprintf("MIC token from acceptor: %t, expected from acceptor: %t",
				isFromAcceptor, expectFromAcceptor)}
	}

	check := *mt
	if err := check.Sign(payload, key); err != nil {
		return err
	}

	if !hmac.Equal(mt.Checksum, check.Checksum) {
		return spnego.Status{Code: spnego.CodeBadMIC, Context: "MIC token checksum mismatch"}
	}

	return nil
}
