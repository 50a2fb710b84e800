// SPDX-License-Identifier: Apache-2.0

// Package krb5 implements the Kerberos v5 mechanism for the SPNEGO
// negotiation engine, using the AP exchange for the handshake and RFC 4121
// message tokens for per-message protection.
package krb5

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana/chksumtype"
	ianaflags "github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/service"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/jcmturner/goidentity/v6"

	"github.com/golang-auth/go-spnego"
)

type handshakeStep int

const (
	stepStart handshakeStep = iota
	stepMutual
	stepDone
)

// Mech is a single-use Kerberos mechanism instance for one handshake,
// driven by the SPNEGO state machine through the spnego.Mechanism
// interface.
type Mech struct {
	isInitiator bool
	step        handshakeStep
	flags       spnego.ContextFlag
	mutual      bool
	cb          *spnego.ChannelBinding

	// initiator
	service     string
	krbClient   *client.Client
	ticket      *messages.Ticket
	clientCTime time.Time
	clientCusec int

	// acceptor
	kt *keytab.Keytab

	sessionKey     *types.EncryptionKey
	acceptorSubKey *types.EncryptionKey
	localSeq       uint64
	peerSeq        uint64
	peer           string
	identity       goidentity.Identity
}

var _ spnego.Mechanism = (*Mech)(nil)

// Option adjusts mechanism construction.
type Option func(*Mech)

// WithClient supplies a pre-built Kerberos client, instead of loading one
// from KRB5_CONFIG and the credentials cache named by KRB5CCNAME.
func WithClient(cl *client.Client) Option {
	return func(m *Mech) {
		m.krbClient = cl
	}
}

// WithoutMutual disables mutual authentication: the initiator does not wait
// for an AP-REP and the handshake completes after one token.
func WithoutMutual() Option {
	return func(m *Mech) {
		m.mutual = false
	}
}

// NewInitiator returns a Kerberos mechanism that authenticates to the named
// service (for example "HTTP/www.example.com").
func NewInitiator(serviceName string, opts ...Option) *Mech {
	m := &Mech{
		isInitiator: true,
		service:     serviceName,
		mutual:      true,
		flags: spnego.ContextFlagConf | spnego.ContextFlagInteg |
			spnego.ContextFlagMutual | spnego.ContextFlagReplay | spnego.ContextFlagSequence,
	}
	for _, o := range opts {
		o(m)
	}
	if !m.mutual {
		m.flags &^= spnego.ContextFlagMutual
	}

	return m
}

// NewAcceptor returns a Kerberos mechanism that validates incoming AP-REQ
// tokens against the supplied keytab.
func NewAcceptor(kt *keytab.Keytab, opts ...Option) *Mech {
	m := &Mech{kt: kt, mutual: true}
	for _, o := range opts {
		o(m)
	}

	return m
}

func (m *Mech) Oid() spnego.Oid {
	return spnego.OidKRB5
}

// PeerName returns the authenticated peer principal once the handshake
// completes.
func (m *Mech) PeerName() string {
	return m.peer
}

// Identity returns the authenticated client identity, or nil before the
// acceptor handshake completes.
func (m *Mech) Identity() goidentity.Identity {
	return m.identity
}

// Flags returns the context flags: the requested set on an initiator, the
// set received in the authenticator checksum on an acceptor.
func (m *Mech) Flags() spnego.ContextFlag {
	return m.flags
}

// SetChannelBinding attaches channel binding data, carried in the
// authenticator checksum field of the AP-REQ.
func (m *Mech) SetChannelBinding(cb *spnego.ChannelBinding) {
	m.cb = cb
}

// InitLeg drives the initiator: the first call obtains a service ticket and
// emits the AP-REQ token; with mutual authentication a second call consumes
// the AP-REP.
func (m *Mech) InitLeg(input []byte) (output []byte, done bool, err error) {
	if !m.isInitiator {
		return nil, false, spnego.Status{Code: spnego.CodeFailure, Context: "InitLeg called on an acceptor"}
	}

	switch m.step {
	case stepStart:
		if input != nil {
			return nil, false, spnego.Status{Code: spnego.CodeDefectiveToken,
				Context: "unexpected input on the first Kerberos leg"}
		}

		out, err := m.apReqToken()
		if err != nil {
			return nil, false, err
		}

		if m.mutual {
			m.step = stepMutual
			return out, false, nil
		}

		m.step = stepDone
		m.peer = m.service

		return out, true, nil

	case stepMutual:
		if err := m.processAPRep(input); err != nil {
			return nil, false, err
		}
		m.step = stepDone
		m.peer = m.service

		return nil, true, nil

	default:
		return nil, false, spnego.Status{Code: spnego.CodeFailure, Context: "Kerberos handshake already complete"}
	}
}

// AcceptLeg drives the acceptor.  A nil input before the handshake has
// started means the peer has not supplied a Kerberos token yet; the
// mechanism waits without producing output.
func (m *Mech) AcceptLeg(input []byte) (output []byte, done bool, err error) {
	if m.isInitiator {
		return nil, false, spnego.Status{Code: spnego.CodeFailure, Context: "AcceptLeg called on an initiator"}
	}

	switch m.step {
	case stepStart:
		if input == nil {
			return nil, false, nil
		}

		out, err := m.processAPReq(input)
		if err != nil {
			return nil, false, err
		}
		m.step = stepDone

		return out, true, nil

	default:
		return nil, false, spnego.Status{Code: spnego.CodeFailure, Context: "Kerberos handshake already complete"}
	}
}

// apReqToken obtains a service ticket and builds the GSS-API framed AP-REQ.
func (m *Mech) apReqToken() ([]byte, error) {
	if m.krbClient == nil {
		if err := m.krbInit(); err != nil {
			return nil, err
		}
	}

	if err := m.krbClient.AffirmLogin(); err != nil {
		return nil, spnego.Status{Code: spnego.CodeNoCred,
			Context: fmt.Sprintf("checking TGT: %v", err)}
	}

	tkt, key, err := m.krbClient.GetServiceTicket(m.service)
	if err != nil {
		return nil, spnego.Status{Code: spnego.CodeFailure,
			Context: fmt.Sprintf("getting service ticket for %q: %v", m.service, err)}
	}
	m.ticket, m.sessionKey = &tkt, &key

	auth, err := types.NewAuthenticator(m.krbClient.Credentials.Domain(), m.krbClient.Credentials.CName())
	if err != nil {
		return nil, spnego.Status{Code: spnego.CodeFailure,
			Context: fmt.Sprintf("generating authenticator: %v", err)}
	}

	// the authenticator checksum carries the GSS context flags and channel
	// binding hash, RFC 4121 § 4.1.1
	auth.Cksum = types.Checksum{
		CksumType: chksumtype.GSSAPI,
		Checksum:  newAuthenticatorChksum(m.flags, m.cb),
	}

	apreq, err := messages.NewAPReq(*m.ticket, *m.sessionKey, auth)
	if err != nil {
		return nil, spnego.Status{Code: spnego.CodeFailure, Context: err.Error()}
	}
	if m.mutual {
		types.SetFlag(&apreq.APOptions, ianaflags.APOptionMutualRequired)
	}

	m.localSeq = uint64(auth.SeqNumber)
	m.clientCTime = auth.CTime
	m.clientCusec = auth.Cusec

	tb, _ := hex.DecodeString(tokIDAPReq)
	tok := kRB5Token{
		OID:   mechOID(),
		tokID: tb,
		APReq: &apreq,
	}

	return tok.marshal()
}

// processAPRep completes mutual authentication on the initiator.
func (m *Mech) processAPRep(input []byte) error {
	var tok kRB5Token
	if err := tok.unmarshal(input); err != nil {
		return err
	}
	if tok.KRBError != nil {
		return spnego.Status{Code: spnego.CodeFailure,
			Context: fmt.Sprintf("peer reported Kerberos error: %v", tok.KRBError.Error())}
	}
	if tok.APRep == nil {
		return spnego.Status{Code: spnego.CodeDefectiveToken, Context: "expected an AP-REP token"}
	}

	encpart, err := tok.APRep.decryptEncPart(*m.sessionKey)
	if err != nil {
		return err
	}

	// the reply must echo the authenticator times; Unix comparison because
	// clientCTime carries a monotonic clock reading
	if encpart.CTime.Unix() != m.clientCTime.Unix() || encpart.Cusec != m.clientCusec {
		return spnego.Status{Code: spnego.CodeFailure, Context: "mutual authentication failed"}
	}

	m.peerSeq = uint64(encpart.SequenceNumber)
	if encpart.Subkey.KeyType != 0 {
		m.acceptorSubKey = &encpart.Subkey
	}

	return nil
}

// processAPReq validates the AP-REQ against the keytab and, when the client
// requested mutual authentication, produces the AP-REP.
func (m *Mech) processAPReq(input []byte) ([]byte, error) {
	var tok kRB5Token
	if err := tok.unmarshal(input); err != nil {
		return nil, err
	}
	if tok.APReq == nil {
		return nil, spnego.Status{Code: spnego.CodeDefectiveToken, Context: "expected an AP-REQ token"}
	}
	apreq := tok.APReq

	ok, creds, err := service.VerifyAPREQ(apreq, service.NewSettings(m.kt))
	if err != nil || !ok {
		return nil, spnego.Status{Code: spnego.CodeFailure,
			Context: fmt.Sprintf("AP-REQ verification failed: %v", err)}
	}

	auth := apreq.Authenticator
	m.sessionKey = &apreq.Ticket.DecryptedEncPart.Key
	m.peerSeq = uint64(auth.SeqNumber)

	wantMutual := types.IsFlagSet(&apreq.APOptions, ianaflags.APOptionMutualRequired)

	if auth.Cksum.CksumType == chksumtype.GSSAPI {
		flags, bindings, err := parseAuthenticatorChksum(auth.Cksum.Checksum)
		if err != nil {
			return nil, err
		}
		m.flags = flags
		wantMutual = wantMutual || flags&spnego.ContextFlagMutual != 0

		if m.cb != nil && !allZero(bindings) {
			if !hmac.Equal(bindings, channelBindingHash(m.cb)) {
				return nil, spnego.Status{Code: spnego.CodeBadBindings,
					Context: "client channel bindings do not match"}
			}
		}
	}

	m.peer = auth.CName.PrincipalNameString() + "@" + auth.CRealm
	m.identity = creds

	if !wantMutual {
		return nil, nil
	}

	return m.apRepToken(auth, apreq.Ticket)
}

// apRepToken builds the mutual authentication reply, negotiating a fresh
// acceptor subkey and sequence number.
func (m *Mech) apRepToken(auth types.Authenticator, tkt messages.Ticket) ([]byte, error) {
	subkey, err := newSubkey(m.sessionKey.KeyType)
	if err != nil {
		return nil, err
	}
	m.acceptorSubKey = &subkey

	var seq [4]byte
	if _, err := rand.Read(seq[:]); err != nil {
		return nil, spnego.Status{Code: spnego.CodeFailure, Context: err.Error()}
	}
	m.localSeq = uint64(binary.BigEndian.Uint32(seq[:]) & 0x3fffffff)

	encpart := encAPRepPart{
		CTime:          auth.CTime,
		Cusec:          auth.Cusec,
		Subkey:         subkey,
		SequenceNumber: int64(m.localSeq),
	}

	aprep, err := newAPRep(tkt, *m.sessionKey, encpart)
	if err != nil {
		return nil, spnego.Status{Code: spnego.CodeFailure, Context: err.Error()}
	}

	tb, _ := hex.DecodeString(tokIDAPRep)
	tok := kRB5Token{
		OID:   mechOID(),
		tokID: tb,
		APRep: &aprep,
	}

	return tok.marshal()
}

// newSubkey generates a random key of the session key's type.
func newSubkey(keyType int32) (types.EncryptionKey, error) {
	encType, err := crypto.GetEtype(keyType)
	if err != nil {
		return types.EncryptionKey{}, spnego.Status{Code: spnego.CodeFailure, Context: err.Error()}
	}

	kv := make([]byte, encType.GetKeyByteSize())
	if _, err := rand.Read(kv); err != nil {
		return types.EncryptionKey{}, spnego.Status{Code: spnego.CodeFailure, Context: err.Error()}
	}

	return types.EncryptionKey{KeyType: keyType, KeyValue: kv}, nil
}

// krbInit builds a Kerberos client from the environment, following the
// usual KRB5_CONFIG and KRB5CCNAME conventions.
func (m *Mech) krbInit() error {
	cfg, err := config.Load(krbConfFile())
	if err != nil {
		return spnego.Status{Code: spnego.CodeFailure,
			Context: fmt.Sprintf("loading krb5.conf: %v", err)}
	}

	ccache, err := credentials.LoadCCache(krbCCFile())
	if err != nil {
		return spnego.Status{Code: spnego.CodeNoCred,
			Context: fmt.Sprintf("loading credentials cache: %v", err)}
	}

	m.krbClient, err = client.NewFromCCache(ccache, cfg)
	if err != nil {
		return spnego.Status{Code: spnego.CodeNoCred,
			Context: fmt.Sprintf("creating krb5 client: %v", err)}
	}

	return nil
}

func krbConfFile() string {
	cfgFile, ok := os.LookupEnv("KRB5_CONFIG")
	if !ok {
		cfgFile = "/etc/krb5.conf"
	}

	return cfgFile
}

func krbCCFile() string {
	ccFile, ok := os.LookupEnv("KRB5CCNAME")
	if !ok {
		ccFile = fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
	}

	return strings.TrimPrefix(ccFile, "FILE:")
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}

	return true
}
