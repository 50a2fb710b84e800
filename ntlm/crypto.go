// SPDX-License-Identifier: Apache-2.0

package ntlm

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"strings"
	"time"

	"golang.org/x/crypto/md4"
)

// Key derivation magic strings, MS-NLMP § 3.4.5.2 and § 3.4.5.3.  The
// trailing NUL is part of each constant.
const (
	clientSealMagic = "session key to client-to-server sealing key magic constant\x00"
	serverSealMagic = "session key to server-to-client sealing key magic constant\x00"
	clientSignMagic = "session key to client-to-server signing key magic constant\x00"
	serverSignMagic = "session key to server-to-client signing key magic constant\x00"
)

// ntowfv1 is MD4 of the UTF-16LE password, MS-NLMP § 3.3.1.
func ntowfv1(password string) []byte {
	h := md4.New()
	h.Write(encodeUTF16LE(password))

	return h.Sum(nil)
}

// ntowfv2 derives the NTLMv2 response key from the v1 hash, the user name
// uppercased, and the domain, MS-NLMP § 3.3.2.
func ntowfv2(ntHash []byte, user, domain string) []byte {
	mac := hmac.New(md5.New, ntHash)
	mac.Write(encodeUTF16LE(strings.ToUpper(user) + domain))

	return mac.Sum(nil)
}

// ntlmv2Temp builds the NTLMv2_CLIENT_CHALLENGE blob hashed into the NT
// proof, MS-NLMP § 2.2.2.7.
func ntlmv2Temp(ts uint64, clientChallenge [8]byte, targetInfo []byte) []byte {
	b := make([]byte, 28+len(targetInfo)+4)
	b[0] = 1 // RespType
	b[1] = 1 // HiRespType
	binary.LittleEndian.PutUint64(b[8:16], ts)
	copy(b[16:24], clientChallenge[:])
	copy(b[28:], targetInfo)

	return b
}

// ntProofStr computes the NTLMv2 proof over the server challenge and the
// temp blob, MS-NLMP § 3.3.2.
func ntProofStr(responseKey []byte, serverChallenge [8]byte, temp []byte) []byte {
	mac := hmac.New(md5.New, responseKey)
	mac.Write(serverChallenge[:])
	mac.Write(temp)

	return mac.Sum(nil)
}

func sessionBaseKey(responseKey, ntProof []byte) []byte {
	mac := hmac.New(md5.New, responseKey)
	mac.Write(ntProof)

	return mac.Sum(nil)
}

// sealKey and signKey derive directional keys from the exported session
// key, MS-NLMP § 3.4.5.2, § 3.4.5.3 (extended session security, 128 bit).
func sealKey(exportedKey []byte, magic string) []byte {
	h := md5.New()
	h.Write(exportedKey)
	h.Write([]byte(magic))

	return h.Sum(nil)
}

func signKey(exportedKey []byte, magic string) []byte {
	return sealKey(exportedKey, magic)
}

// rc4k encrypts b with a one-shot RC4 keystream.
func rc4k(key, b []byte) []byte {
	c, _ := rc4.NewCipher(key)
	out := make([]byte, len(b))
	c.XORKeyStream(out, b)

	return out
}

// messageSealer returns a cipher keyed for a single message.  Per-message
// rekeying (datagram style, MS-NLMP § 3.4.4) keeps sealing stateless with
// respect to previous messages: the sequence number is folded into the key.
func messageSealer(sealkey []byte, seqNum uint32) *rc4.Cipher {
	h := md5.New()
	h.Write(sealkey)
	var seq [4]byte
	binary.LittleEndian.PutUint32(seq[:], seqNum)
	h.Write(seq[:])

	c, _ := rc4.NewCipher(h.Sum(nil))

	return c
}

// macSignature computes the 16-byte NTLMSSP_MESSAGE_SIGNATURE with extended
// session security, MS-NLMP § 3.4.4.2.
func macSignature(signkey []byte, seqNum uint32, msg []byte) []byte {
	mac := hmac.New(md5.New, signkey)
	var seq [4]byte
	binary.LittleEndian.PutUint32(seq[:], seqNum)
	mac.Write(seq[:])
	mac.Write(msg)

	sig := make([]byte, 16)
	binary.LittleEndian.PutUint32(sig[0:4], 1) // version
	copy(sig[4:12], mac.Sum(nil)[:8])
	binary.LittleEndian.PutUint32(sig[12:16], seqNum)

	return sig
}

func hmacMD5(key []byte, data ...[]byte) []byte {
	mac := hmac.New(md5.New, key)
	for _, d := range data {
		mac.Write(d)
	}

	return mac.Sum(nil)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}

	return b, nil
}

func nowFiletime() uint64 {
	return filetime(time.Now())
}
