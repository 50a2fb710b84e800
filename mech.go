// SPDX-License-Identifier: Apache-2.0

package spnego

// SessionKeys holds the per-context key material derived by a mechanism once
// its handshake completes.  The contents are opaque to the negotiation state
// machine, which only caches the value and hands it back to the mechanism's
// protection operations.  Zero must securely erase the key material; it is
// called when the owning context is deleted.
type SessionKeys interface {
	Zero()
}

// ProtectedMessage is the output of a Wrap operation: a mechanism-specific
// header, the message payload (ciphertext when sealed, plaintext when only
// signed) and a signature binding the payload and the sequence number.
// Values are immutable once produced.
type ProtectedMessage struct {
	Header         []byte
	Payload        []byte
	Signature      []byte
	Sealed         bool
	SequenceNumber uint64
}

// Marshal returns the wire form of the protected message: header, payload
// and signature concatenated.  The mechanism packages provide the matching
// ParseProtected functions.
func (pm *ProtectedMessage) Marshal() []byte {
	out := make([]byte, 0, len(pm.Header)+len(pm.Payload)+len(pm.Signature))
	out = append(out, pm.Header...)
	out = append(out, pm.Payload...)
	out = append(out, pm.Signature...)

	return out
}

// Mechanism is the interface a concrete negotiation mechanism (NTLM,
// Kerberos) presents to the SPNEGO state machine.  A Mechanism instance is
// single-use: it owns the internal sub-state of one handshake (for example
// NTLM's challenge/response exchange) and exposes only this surface; the
// state machine never inspects mechanism internals.
//
// InitLeg and AcceptLeg process one handshake leg for the initiator and
// acceptor roles respectively.  The returned done flag signals that the
// mechanism handshake is complete; output, if non-nil, must still be
// delivered to the peer.  Once done, DeriveProtectionKeys is called exactly
// once and the returned keys are passed back into the protection and MIC
// operations.
type Mechanism interface {
	// Oid returns the object identifier the mechanism is negotiated under.
	Oid() Oid

	// InitLeg processes one initiator handshake leg.  input is nil for the
	// first leg.
	InitLeg(input []byte) (output []byte, done bool, err error)

	// AcceptLeg processes one acceptor handshake leg.
	AcceptLeg(input []byte) (output []byte, done bool, err error)

	// DeriveProtectionKeys derives the per-message keys.  Called exactly
	// once, after a leg returned done.
	DeriveProtectionKeys() (SessionKeys, error)

	// Wrap protects a message under the supplied keys and sequence number.
	// When conf is true the payload is sealed (encrypted), otherwise it is
	// carried in the clear with a signature.
	Wrap(keys SessionKeys, seqNo uint64, msg []byte, conf bool) (*ProtectedMessage, error)

	// Unwrap validates and, if sealed, decrypts a protected message.  seqNo
	// is the sequence number the caller expects; a mismatch fails with
	// ErrUnseqToken and a signature failure with ErrBadMic.
	Unwrap(keys SessionKeys, seqNo uint64, pm *ProtectedMessage) ([]byte, error)

	// MakeListMIC computes the keyed checksum over the encoded mechanism
	// list that SPNEGO exchanges to detect downgrade tampering.
	MakeListMIC(keys SessionKeys, mechList []byte) ([]byte, error)

	// VerifyListMIC checks a mechanism-list checksum received from the peer.
	VerifyListMIC(keys SessionKeys, mechList []byte, mic []byte) error

	// PeerName returns a printable representation of the authenticated peer,
	// or the empty string before the handshake completes.
	PeerName() string
}
