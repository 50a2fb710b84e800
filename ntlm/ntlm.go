// SPDX-License-Identifier: Apache-2.0

package ntlm

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/golang-auth/go-spnego"
	"github.com/jcmturner/goidentity/v6"
)

// negotiated flag set offered by the initiator and confirmed by the
// acceptor.  Extended session security and 128-bit keys are required; the
// legacy LM and OEM paths are never offered.
const defaultFlags = flagNegotiateUnicode |
	flagRequestTarget |
	flagNegotiateSign |
	flagNegotiateSeal |
	flagNegotiateNTLM |
	flagNegotiateAlwaysSign |
	flagNegotiateExtendedSessionSec |
	flagNegotiateTargetInfo |
	flagNegotiateVersion |
	flagNegotiate128 |
	flagNegotiateKeyExch |
	flagNegotiate56

// MsvAvFlags bit signalling that the AUTHENTICATE message carries a MIC.
const avFlagMICPresent = 0x00000002

// Credential identifies an NTLM account.  Hash, when set, is the 16-byte NT
// hash and takes precedence over Password.
type Credential struct {
	Domain   string
	Username string
	Password string
	Hash     []byte
}

func (c Credential) ntHash() []byte {
	if len(c.Hash) == 16 {
		return c.Hash
	}

	return ntowfv1(c.Password)
}

// CredentialStore resolves the account named in an AUTHENTICATE message to
// its credential.  Acceptors use it to recompute the expected NTLMv2
// response.
type CredentialStore interface {
	Lookup(domain, username string) (Credential, error)
}

type handshakeStep int

const (
	stepStart handshakeStep = iota
	stepChallenge
	stepAuthenticate
	stepDone
)

// Mech is a single-use NTLM mechanism instance for one handshake, driven by
// the SPNEGO state machine through the spnego.Mechanism interface.
type Mech struct {
	isInitiator bool
	step        handshakeStep

	cred       Credential
	store      CredentialStore
	targetName string

	cb *spnego.ChannelBinding

	// retained raw messages, inputs to the AUTHENTICATE MIC
	type1 []byte
	type2 []byte

	serverChallenge [8]byte
	exportedKey     []byte
	peer            string
	identity        goidentity.Identity
}

var _ spnego.Mechanism = (*Mech)(nil)

// NewInitiator returns an NTLM mechanism that authenticates as cred.
func NewInitiator(cred Credential) *Mech {
	return &Mech{isInitiator: true, cred: cred}
}

// NewAcceptor returns an NTLM mechanism that validates incoming
// authentication against store.  targetName is advertised in the CHALLENGE
// target info.
func NewAcceptor(targetName string, store CredentialStore) *Mech {
	return &Mech{targetName: targetName, store: store}
}

func (m *Mech) Oid() spnego.Oid {
	return spnego.OidNTLMSSP
}

// PeerName returns DOMAIN\user once authentication completes.
func (m *Mech) PeerName() string {
	return m.peer
}

// Identity returns the authenticated peer identity, or nil before the
// acceptor handshake completes.
func (m *Mech) Identity() goidentity.Identity {
	return m.identity
}

// SetChannelBinding attaches channel binding data.  The initiator folds it
// into the NTLMv2 response target info; the acceptor verifies it there.
func (m *Mech) SetChannelBinding(cb *spnego.ChannelBinding) {
	m.cb = cb
}

// InitLeg drives the initiator side: the first call emits the NEGOTIATE
// message, the second consumes the CHALLENGE and emits AUTHENTICATE.
func (m *Mech) InitLeg(input []byte) (output []byte, done bool, err error) {
	if !m.isInitiator {
		return nil, false, spnego.Status{Code: spnego.CodeFailure, Context: "InitLeg called on an acceptor"}
	}

	switch m.step {
	case stepStart:
		if input != nil {
			return nil, false, spnego.Status{Code: spnego.CodeDefectiveToken,
				Context: "unexpected input on the first NTLM leg"}
		}

		neg := negotiateMessage{Flags: defaultFlags}
		m.type1 = neg.marshal()
		m.step = stepChallenge

		return m.type1, false, nil

	case stepChallenge:
		out, err := m.authenticate(input)
		if err != nil {
			return nil, false, err
		}
		m.step = stepDone

		return out, true, nil

	default:
		return nil, false, spnego.Status{Code: spnego.CodeFailure, Context: "NTLM handshake already complete"}
	}
}

// AcceptLeg drives the acceptor side.  A nil input before the handshake has
// started means the peer has not supplied an NTLM token yet; the mechanism
// waits without producing output.
func (m *Mech) AcceptLeg(input []byte) (output []byte, done bool, err error) {
	if m.isInitiator {
		return nil, false, spnego.Status{Code: spnego.CodeFailure, Context: "AcceptLeg called on an initiator"}
	}

	switch m.step {
	case stepStart:
		if input == nil {
			return nil, false, nil
		}

		out, err := m.challenge(input)
		if err != nil {
			return nil, false, err
		}
		m.step = stepAuthenticate

		return out, false, nil

	case stepAuthenticate:
		if err := m.verifyAuthenticate(input); err != nil {
			return nil, false, err
		}
		m.step = stepDone

		return nil, true, nil

	default:
		return nil, false, spnego.Status{Code: spnego.CodeFailure, Context: "NTLM handshake already complete"}
	}
}

// authenticate processes the CHALLENGE and builds the NTLMv2 AUTHENTICATE
// message, MS-NLMP § 3.1.5.1.2.
func (m *Mech) authenticate(input []byte) ([]byte, error) {
	var chal challengeMessage
	if err := chal.unmarshal(input); err != nil {
		return nil, err
	}
	m.type2 = input
	copy(m.serverChallenge[:], chal.ServerChallenge[:])

	pairs, err := parseAVPairs(chal.TargetInfo)
	if err != nil {
		return nil, err
	}

	ts := nowFiletime()
	if v := findAVPair(pairs, avIDTimestamp); len(v) == 8 {
		ts = binary.LittleEndian.Uint64(v)
	}

	// extend the server's target info with the MIC flag and, when channel
	// bindings are in use, their hash
	var flagVal [4]byte
	binary.LittleEndian.PutUint32(flagVal[:], avFlagMICPresent)
	pairs = append(pairs, avPair{id: avIDFlags, value: flagVal[:]})
	if m.cb != nil {
		pairs = append(pairs, avPair{id: avIDChannelBindings, value: channelBindingHash(m.cb)})
	}
	targetInfo := marshalAVPairs(pairs)

	ccBytes, err := randomBytes(8)
	if err != nil {
		return nil, err
	}
	var clientChallenge [8]byte
	copy(clientChallenge[:], ccBytes)

	responseKey := ntowfv2(m.cred.ntHash(), m.cred.Username, m.cred.Domain)
	temp := ntlmv2Temp(ts, clientChallenge, targetInfo)
	proof := ntProofStr(responseKey, chal.ServerChallenge, temp)
	sbk := sessionBaseKey(responseKey, proof)

	m.exportedKey, err = randomBytes(16)
	if err != nil {
		return nil, err
	}

	auth := authenticateMessage{
		LmResponse:          make([]byte, 24),
		NtResponse:          append(proof, temp...),
		Domain:              m.cred.Domain,
		User:                m.cred.Username,
		EncryptedSessionKey: rc4k(sbk, m.exportedKey),
		Flags:               chal.Flags,
	}

	// MIC is computed over all three messages with its own field zeroed,
	// then patched into place
	type3 := auth.marshal()
	mic := hmacMD5(m.exportedKey, m.type1, m.type2, type3)
	copy(type3[authMICOffset:authMICOffset+16], mic)

	m.peer = chal.TargetName

	return type3, nil
}

// challenge processes the NEGOTIATE message and builds the CHALLENGE,
// MS-NLMP § 3.2.5.1.1.
func (m *Mech) challenge(input []byte) ([]byte, error) {
	var neg negotiateMessage
	if err := neg.unmarshal(input); err != nil {
		return nil, err
	}
	m.type1 = input

	if neg.Flags&flagNegotiateExtendedSessionSec == 0 {
		return nil, spnego.Status{Code: spnego.CodeBadQOP,
			Context: "peer does not support NTLM extended session security"}
	}

	scBytes, err := randomBytes(8)
	if err != nil {
		return nil, err
	}
	copy(m.serverChallenge[:], scBytes)

	var tsVal [8]byte
	binary.LittleEndian.PutUint64(tsVal[:], nowFiletime())
	targetInfo := marshalAVPairs([]avPair{
		{id: avIDNbComputerName, value: encodeUTF16LE(m.targetName)},
		{id: avIDNbDomainName, value: encodeUTF16LE(m.targetName)},
		{id: avIDDnsComputerName, value: encodeUTF16LE(m.targetName)},
		{id: avIDTimestamp, value: tsVal[:]},
	})

	chal := challengeMessage{
		Flags:      defaultFlags | flagNegotiateTargetTypeServer,
		TargetName: m.targetName,
		TargetInfo: targetInfo,
	}
	copy(chal.ServerChallenge[:], m.serverChallenge[:])

	m.type2 = chal.marshal()

	return m.type2, nil
}

// verifyAuthenticate validates the AUTHENTICATE message against the stored
// credential, MS-NLMP § 3.2.5.1.2.
func (m *Mech) verifyAuthenticate(input []byte) error {
	var auth authenticateMessage
	if err := auth.unmarshal(input); err != nil {
		return err
	}

	if len(auth.NtResponse) < 48 {
		return spnego.Status{Code: spnego.CodeDefectiveToken, Context: "NT response too short for NTLMv2"}
	}
	proof, temp := auth.NtResponse[:16], auth.NtResponse[16:]

	cred, err := m.store.Lookup(auth.Domain, auth.User)
	if err != nil {
		return spnego.Status{Code: spnego.CodeNoCred,
			Context: fmt.Sprintf("no credential for %s\\%s", auth.Domain, auth.User)}
	}

	responseKey := ntowfv2(cred.ntHash(), auth.User, auth.Domain)
	want := ntProofStr(responseKey, m.serverChallenge, temp)
	if !hmac.Equal(proof, want) {
		return spnego.Status{Code: spnego.CodeDefectiveCredential,
			Context: fmt.Sprintf("NTLMv2 response verification failed for %s\\%s", auth.Domain, auth.User)}
	}

	clientPairs, err := parseAVPairs(temp[28:])
	if err != nil {
		return err
	}

	if m.cb != nil {
		if cbv := findAVPair(clientPairs, avIDChannelBindings); cbv != nil {
			if !hmac.Equal(cbv, channelBindingHash(m.cb)) {
				return spnego.Status{Code: spnego.CodeBadBindings,
					Context: "client channel bindings do not match"}
			}
		}
	}

	sbk := sessionBaseKey(responseKey, proof)
	if auth.Flags&flagNegotiateKeyExch != 0 {
		if len(auth.EncryptedSessionKey) != 16 {
			return spnego.Status{Code: spnego.CodeDefectiveToken, Context: "malformed encrypted session key"}
		}
		m.exportedKey = rc4k(sbk, auth.EncryptedSessionKey)
	} else {
		m.exportedKey = sbk
	}

	if fv := findAVPair(clientPairs, avIDFlags); len(fv) == 4 &&
		binary.LittleEndian.Uint32(fv)&avFlagMICPresent != 0 {
		want := hmacMD5(m.exportedKey, m.type1, m.type2, auth.micBase())
		if !hmac.Equal(auth.MIC[:], want) {
			return spnego.Status{Code: spnego.CodeBadMIC, Context: "AUTHENTICATE message MIC mismatch"}
		}
	}

	m.peer = auth.Domain + "\\" + auth.User
	id := goidentity.NewUser(auth.User)
	id.SetDomain(auth.Domain)
	id.SetAuthenticated(true)
	id.SetAuthTime(time.Now())
	m.identity = &id

	return nil
}

// DeriveProtectionKeys derives the directional sign and seal keys from the
// exported session key.
func (m *Mech) DeriveProtectionKeys() (spnego.SessionKeys, error) {
	if m.step != stepDone || len(m.exportedKey) != 16 {
		return nil, spnego.Status{Code: spnego.CodeNoContext, Context: "NTLM handshake is not complete"}
	}

	return newSessionKeys(m.exportedKey, m.isInitiator), nil
}

func (m *Mech) Wrap(keys spnego.SessionKeys, seqNo uint64, msg []byte, conf bool) (*spnego.ProtectedMessage, error) {
	k, err := asSessionKeys(keys)
	if err != nil {
		return nil, err
	}

	return k.wrap(seqNo, msg, conf)
}

func (m *Mech) Unwrap(keys spnego.SessionKeys, seqNo uint64, pm *spnego.ProtectedMessage) ([]byte, error) {
	k, err := asSessionKeys(keys)
	if err != nil {
		return nil, err
	}

	return k.unwrap(seqNo, pm)
}

func (m *Mech) MakeListMIC(keys spnego.SessionKeys, mechList []byte) ([]byte, error) {
	k, err := asSessionKeys(keys)
	if err != nil {
		return nil, err
	}

	return k.listMIC(mechList), nil
}

func (m *Mech) VerifyListMIC(keys spnego.SessionKeys, mechList []byte, mic []byte) error {
	k, err := asSessionKeys(keys)
	if err != nil {
		return err
	}

	return k.verifyListMIC(mechList, mic)
}

// channelBindingHash computes the MD5 of the GSS channel bindings struct
// with zero address fields, the form carried in the MsvChannelBindings AV
// pair (MS-NLMP § 3.1.5.1.2).
func channelBindingHash(cb *spnego.ChannelBinding) []byte {
	h := md5.New()
	var zeros [16]byte
	h.Write(zeros[:]) // initiator and acceptor address type and length fields

	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(cb.Data)))
	h.Write(l[:])
	h.Write(cb.Data)

	return h.Sum(nil)
}
