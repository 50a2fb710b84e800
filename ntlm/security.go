// SPDX-License-Identifier: Apache-2.0

package ntlm

import (
	"crypto/hmac"
	"encoding/binary"
	"fmt"

	"github.com/golang-auth/go-spnego"
)

const sigLen = 16 // NTLMSSP_MESSAGE_SIGNATURE length

// sessionKeys holds the four directional keys derived from the exported
// session key once the handshake completes.  local refers to the side that
// owns the keys: the initiator signs with the client keys and verifies with
// the server keys, the acceptor the other way round.
type sessionKeys struct {
	localSign  []byte
	localSeal  []byte
	remoteSign []byte
	remoteSeal []byte
}

func newSessionKeys(exportedKey []byte, initiator bool) *sessionKeys {
	k := &sessionKeys{
		localSign:  signKey(exportedKey, clientSignMagic),
		localSeal:  sealKey(exportedKey, clientSealMagic),
		remoteSign: signKey(exportedKey, serverSignMagic),
		remoteSeal: sealKey(exportedKey, serverSealMagic),
	}
	if !initiator {
		k.localSign, k.remoteSign = k.remoteSign, k.localSign
		k.localSeal, k.remoteSeal = k.remoteSeal, k.localSeal
	}

	return k
}

// Zero erases the key material.
func (k *sessionKeys) Zero() {
	for _, key := range [][]byte{k.localSign, k.localSeal, k.remoteSign, k.remoteSeal} {
		for i := range key {
			key[i] = 0
		}
	}
}

func asSessionKeys(keys spnego.SessionKeys) (*sessionKeys, error) {
	k, ok := keys.(*sessionKeys)
	if !ok || k == nil {
		return nil, spnego.Status{Code: spnego.CodeNoContext, Context: "no NTLM session keys available"}
	}

	return k, nil
}

// wrap signs and optionally seals one message.  The signature header layout
// follows spnego.ProtectedMessage: version and sequence number in the
// header, the 8-byte HMAC checksum as the signature.
func (k *sessionKeys) wrap(seqNo uint64, msg []byte, conf bool) (*spnego.ProtectedMessage, error) {
	seq := uint32(seqNo)

	sig := macSignature(k.localSign, seq, msg)
	payload := msg
	if conf {
		sealed := make([]byte, len(msg))
		messageSealer(k.localSeal, seq).XORKeyStream(sealed, msg)
		payload = sealed
	}

	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], 1) // signature version
	binary.LittleEndian.PutUint32(header[4:8], seq)

	return &spnego.ProtectedMessage{
		Header:         header,
		Payload:        payload,
		Signature:      sig[4:12],
		Sealed:         conf,
		SequenceNumber: seqNo,
	}, nil
}

func (k *sessionKeys) unwrap(seqNo uint64, pm *spnego.ProtectedMessage) ([]byte, error) {
	if len(pm.Header) != 8 || len(pm.Signature) != 8 {
		return nil, spnego.Status{Code: spnego.CodeDefectiveToken, Context: "malformed NTLM message token"}
	}
	if v := binary.LittleEndian.Uint32(pm.Header[0:4]); v != 1 {
		return nil, spnego.Status{Code: spnego.CodeDefectiveToken,
			Context: fmt.Sprintf("unsupported NTLM signature version %d", v)}
	}

	seq := binary.LittleEndian.Uint32(pm.Header[4:8])
	if uint64(seq) != seqNo || pm.SequenceNumber != seqNo {
		return nil, fmt.Errorf("ntlm: message %d arrived while %d was expected: %w",
			seq, seqNo, spnego.ErrUnseqToken)
	}

	msg := pm.Payload
	if pm.Sealed {
		msg = make([]byte, len(pm.Payload))
		messageSealer(k.remoteSeal, seq).XORKeyStream(msg, pm.Payload)
	}

	want := macSignature(k.remoteSign, seq, msg)
	if !hmac.Equal(pm.Signature, want[4:12]) {
		return nil, spnego.Status{Code: spnego.CodeBadMIC, Context: "NTLM message checksum mismatch"}
	}

	return msg, nil
}

// listMIC computes the SPNEGO mechListMIC: a full 16-byte message signature
// over the encoded mechanism list at sequence number zero.
func (k *sessionKeys) listMIC(mechList []byte) []byte {
	return macSignature(k.localSign, 0, mechList)
}

func (k *sessionKeys) verifyListMIC(mechList, mic []byte) error {
	want := macSignature(k.remoteSign, 0, mechList)
	if !hmac.Equal(mic, want) {
		return spnego.Status{Code: spnego.CodeBadMIC, Context: "mechanism list MIC mismatch"}
	}

	return nil
}

// ParseProtected reconstructs a ProtectedMessage from its wire form as
// produced by Marshal: an 8-byte header of version and sequence number, the
// payload, and the 8-byte checksum.  sealed must match the value used when
// wrapping; the wire form does not carry it.
func ParseProtected(b []byte, sealed bool) (*spnego.ProtectedMessage, error) {
	if len(b) < sigLen {
		return nil, spnego.Status{Code: spnego.CodeDefectiveToken, Context: "NTLM message token too short"}
	}

	return &spnego.ProtectedMessage{
		Header:         b[0:8],
		Payload:        b[8 : len(b)-8],
		Signature:      b[len(b)-8:],
		Sealed:         sealed,
		SequenceNumber: uint64(binary.LittleEndian.Uint32(b[4:8])),
	}, nil
}
