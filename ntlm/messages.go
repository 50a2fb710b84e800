// SPDX-License-Identifier: Apache-2.0

// Package ntlm implements the NTLM (MS-NLMP) authentication mechanism for
// use with the SPNEGO negotiation engine: the NEGOTIATE / CHALLENGE /
// AUTHENTICATE handshake using NTLMv2 responses, and NTLM2 session security
// for per-message signing and sealing.
package ntlm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf16"

	"github.com/golang-auth/go-spnego"
)

// NTLM message types, at offset 8 of every message.
const (
	msgTypeNegotiate    = 1
	msgTypeChallenge    = 2
	msgTypeAuthenticate = 3
)

// Negotiate flags, MS-NLMP § 2.2.2.5.
const (
	flagNegotiateUnicode            = 0x00000001
	flagNegotiateOEM                = 0x00000002
	flagRequestTarget               = 0x00000004
	flagNegotiateSign               = 0x00000010
	flagNegotiateSeal               = 0x00000020
	flagNegotiateLMKey              = 0x00000080
	flagNegotiateNTLM               = 0x00000200
	flagNegotiateAlwaysSign         = 0x00008000
	flagNegotiateTargetTypeServer   = 0x00020000
	flagNegotiateExtendedSessionSec = 0x00080000
	flagNegotiateTargetInfo         = 0x00800000
	flagNegotiateVersion            = 0x02000000
	flagNegotiate128                = 0x20000000
	flagNegotiateKeyExch            = 0x40000000
	flagNegotiate56                 = 0x80000000
)

// AV_PAIR ids for the target info list, MS-NLMP § 2.2.2.1.
const (
	avIDEOL             = 0x0000
	avIDNbComputerName  = 0x0001
	avIDNbDomainName    = 0x0002
	avIDDnsComputerName = 0x0003
	avIDDnsDomainName   = 0x0004
	avIDFlags           = 0x0006
	avIDTimestamp       = 0x0007
	avIDChannelBindings = 0x000a
	avIDTargetName      = 0x0009
)

// signature for all NTLM messages
var signature = []byte("NTLMSSP\x00")

// version field: Windows Server 2008 R2, NTLM revision 15
var versionBytes = []byte{6, 1, 0xb1, 0x1d, 0, 0, 0, 15}

func badToken(format string, args ...interface{}) error {
	return spnego.Status{Code: spnego.CodeDefectiveToken, Context: fmt.Sprintf(format, args...)}
}

// negotiateMessage is the NTLM NEGOTIATE_MESSAGE (type 1), MS-NLMP § 2.2.1.1.
// Domain and workstation fields are never populated; modern clients send
// them empty.
type negotiateMessage struct {
	Flags uint32
}

func (m *negotiateMessage) marshal() []byte {
	b := make([]byte, 40)
	copy(b, signature)
	binary.LittleEndian.PutUint32(b[8:12], msgTypeNegotiate)
	binary.LittleEndian.PutUint32(b[12:16], m.Flags)
	// domain (16:24) and workstation (24:32) fields left zero
	copy(b[32:40], versionBytes)

	return b
}

func (m *negotiateMessage) unmarshal(b []byte) error {
	if err := checkHeader(b, msgTypeNegotiate, 16); err != nil {
		return err
	}
	m.Flags = binary.LittleEndian.Uint32(b[12:16])

	return nil
}

// challengeMessage is the NTLM CHALLENGE_MESSAGE (type 2), MS-NLMP § 2.2.1.2.
type challengeMessage struct {
	Flags           uint32
	TargetName      string
	ServerChallenge [8]byte
	TargetInfo      []byte // raw AV_PAIR list
}

func (m *challengeMessage) marshal() []byte {
	target := encodeUTF16LE(m.TargetName)

	const hdrLen = 56
	targetOffset := hdrLen
	infoOffset := targetOffset + len(target)

	b := make([]byte, infoOffset+len(m.TargetInfo))
	copy(b, signature)
	binary.LittleEndian.PutUint32(b[8:12], msgTypeChallenge)
	putField(b[12:20], len(target), targetOffset)
	binary.LittleEndian.PutUint32(b[20:24], m.Flags)
	copy(b[24:32], m.ServerChallenge[:])
	// reserved (32:40) left zero
	putField(b[40:48], len(m.TargetInfo), infoOffset)
	copy(b[48:56], versionBytes)
	copy(b[targetOffset:], target)
	copy(b[infoOffset:], m.TargetInfo)

	return b
}

func (m *challengeMessage) unmarshal(b []byte) error {
	if err := checkHeader(b, msgTypeChallenge, 48); err != nil {
		return err
	}

	target, err := getField(b, 12)
	if err != nil {
		return err
	}
	m.TargetName = decodeUTF16LE(target)

	m.Flags = binary.LittleEndian.Uint32(b[20:24])
	copy(m.ServerChallenge[:], b[24:32])

	info, err := getField(b, 40)
	if err != nil {
		return err
	}
	m.TargetInfo = info

	return nil
}

// authenticateMessage is the NTLM AUTHENTICATE_MESSAGE (type 3),
// MS-NLMP § 2.2.1.3.  The MIC field is always carried.
type authenticateMessage struct {
	LmResponse          []byte
	NtResponse          []byte
	Domain              string
	User                string
	Workstation         string
	EncryptedSessionKey []byte
	Flags               uint32
	MIC                 [16]byte

	raw []byte // wire bytes, retained for MIC verification
}

const authHdrLen = 88 // fixed header including version and MIC
const authMICOffset = 72

func (m *authenticateMessage) marshal() []byte {
	domain := encodeUTF16LE(m.Domain)
	user := encodeUTF16LE(m.User)
	workstation := encodeUTF16LE(m.Workstation)

	off := authHdrLen
	b := make([]byte, off+len(m.LmResponse)+len(m.NtResponse)+
		len(domain)+len(user)+len(workstation)+len(m.EncryptedSessionKey))

	copy(b, signature)
	binary.LittleEndian.PutUint32(b[8:12], msgTypeAuthenticate)

	for _, f := range []struct {
		fieldOff int
		payload  []byte
	}{
		{12, m.LmResponse},
		{20, m.NtResponse},
		{28, domain},
		{36, user},
		{44, workstation},
		{52, m.EncryptedSessionKey},
	} {
		putField(b[f.fieldOff:f.fieldOff+8], len(f.payload), off)
		copy(b[off:], f.payload)
		off += len(f.payload)
	}

	binary.LittleEndian.PutUint32(b[60:64], m.Flags)
	copy(b[64:72], versionBytes)
	copy(b[authMICOffset:authMICOffset+16], m.MIC[:])

	return b
}

func (m *authenticateMessage) unmarshal(b []byte) error {
	if err := checkHeader(b, msgTypeAuthenticate, authHdrLen); err != nil {
		return err
	}

	var err error
	if m.LmResponse, err = getField(b, 12); err != nil {
		return err
	}
	if m.NtResponse, err = getField(b, 20); err != nil {
		return err
	}

	domain, err := getField(b, 28)
	if err != nil {
		return err
	}
	m.Domain = decodeUTF16LE(domain)

	user, err := getField(b, 36)
	if err != nil {
		return err
	}
	m.User = decodeUTF16LE(user)

	workstation, err := getField(b, 44)
	if err != nil {
		return err
	}
	m.Workstation = decodeUTF16LE(workstation)

	if m.EncryptedSessionKey, err = getField(b, 52); err != nil {
		return err
	}

	m.Flags = binary.LittleEndian.Uint32(b[60:64])
	copy(m.MIC[:], b[authMICOffset:authMICOffset+16])
	m.raw = b

	return nil
}

// micBase returns the message bytes with the MIC field zeroed, the form the
// MIC itself is computed over.
func (m *authenticateMessage) micBase() []byte {
	b := make([]byte, len(m.raw))
	copy(b, m.raw)
	for i := authMICOffset; i < authMICOffset+16; i++ {
		b[i] = 0
	}

	return b
}

// checkHeader validates the NTLMSSP signature and the message type at
// offset 8.
func checkHeader(b []byte, msgType uint32, minLen int) error {
	if len(b) < 12 || !bytes.HasPrefix(b, signature) {
		return badToken("not an NTLM message")
	}

	t := binary.LittleEndian.Uint32(b[8:12])
	if t != msgType {
		return badToken("unexpected NTLM message type %d, wanted %d", t, msgType)
	}

	if len(b) < minLen {
		return badToken("NTLM message type %d is truncated", msgType)
	}

	return nil
}

// putField writes an 8-byte length/offset field descriptor.
func putField(b []byte, length, offset int) {
	binary.LittleEndian.PutUint16(b[0:2], uint16(length))
	binary.LittleEndian.PutUint16(b[2:4], uint16(length))
	binary.LittleEndian.PutUint32(b[4:8], uint32(offset))
}

// getField resolves an 8-byte field descriptor at fieldOff against the
// whole message, bounds-checked.
func getField(b []byte, fieldOff int) ([]byte, error) {
	length := int(binary.LittleEndian.Uint16(b[fieldOff : fieldOff+2]))
	offset := int(binary.LittleEndian.Uint32(b[fieldOff+4 : fieldOff+8]))

	if length == 0 {
		return nil, nil
	}
	if offset+length > len(b) {
		return nil, badToken("NTLM field at offset %d extends beyond the message", fieldOff)
	}

	return b[offset : offset+length], nil
}

// avPair is one entry of the CHALLENGE target info list.
type avPair struct {
	id    uint16
	value []byte
}

func marshalAVPairs(pairs []avPair) []byte {
	var buf bytes.Buffer
	for _, p := range pairs {
		binary.Write(&buf, binary.LittleEndian, p.id)
		binary.Write(&buf, binary.LittleEndian, uint16(len(p.value)))
		buf.Write(p.value)
	}
	// terminator
	binary.Write(&buf, binary.LittleEndian, uint16(avIDEOL))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	return buf.Bytes()
}

func parseAVPairs(b []byte) ([]avPair, error) {
	var pairs []avPair
	for {
		if len(b) < 4 {
			return nil, badToken("truncated AV_PAIR list")
		}

		id := binary.LittleEndian.Uint16(b[0:2])
		length := int(binary.LittleEndian.Uint16(b[2:4]))
		b = b[4:]

		if id == avIDEOL {
			return pairs, nil
		}
		if length > len(b) {
			return nil, badToken("AV_PAIR %d overruns the list", id)
		}

		pairs = append(pairs, avPair{id: id, value: b[:length]})
		b = b[length:]
	}
}

func findAVPair(pairs []avPair, id uint16) []byte {
	for _, p := range pairs {
		if p.id == id {
			return p.value
		}
	}

	return nil
}

// filetime converts a time to a Windows FILETIME: 100ns intervals since
// January 1 1601.
func filetime(t time.Time) uint64 {
	const epochDelta = 116444736000000000 // 1601 to 1970 in 100ns units
	return uint64(t.UnixNano()/100) + epochDelta
}

func encodeUTF16LE(s string) []byte {
	if s == "" {
		return nil
	}

	units := utf16.Encode([]rune(s))
	b := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[i*2:], u)
	}

	return b
}

func decodeUTF16LE(b []byte) string {
	if len(b) < 2 {
		return ""
	}

	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}

	return string(utf16.Decode(units))
}
