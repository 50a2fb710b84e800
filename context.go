// SPDX-License-Identifier: Apache-2.0

package spnego

import (
	"bytes"

	"github.com/jcmturner/goidentity/v6"
)

// ContextState is the lifecycle state of a SecContext.
type ContextState int

const (
	StateNotStarted ContextState = iota
	StateNegotiating              // mechanism list exchange in progress
	StateMechSelected             // a single mechanism is driving the remaining legs
	StateEstablished              // context usable for message protection
	StateFailed                   // terminal
)

func (s ContextState) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateNegotiating:
		return "negotiating"
	case StateMechSelected:
		return "mech-selected"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	}

	return "unknown"
}

// channelBinder is implemented by mechanisms that fold channel binding data
// into their handshake.
type channelBinder interface {
	SetChannelBinding(*ChannelBinding)
}

// identityProvider is implemented by acceptor-side mechanisms that can
// describe the authenticated peer.
type identityProvider interface {
	Identity() goidentity.Identity
}

// SecContext drives a SPNEGO negotiation and, once established, protects
// application messages with the negotiated mechanism's keys.
//
// A SecContext is not safe for concurrent use: Step calls must be strictly
// sequential since each depends on the state left by the previous call.
// Independent contexts are fully independent.
type SecContext struct {
	isInitiator bool
	state       ContextState
	mechs       []Mechanism
	selected    Mechanism
	rawMode     bool // peer is speaking the bare mechanism, no SPNEGO framing

	offered     []Oid // initiator's offer, in its preference order
	firstResp   bool  // acceptor: supportedMech sent yet?
	micRequired bool
	micSent     bool
	micOK       bool
	peerMIC     []byte // received before keys were available

	mechDone bool
	keys     SessionKeys

	localSeq  uint64
	remoteSeq uint64

	cb      *ChannelBinding
	failure error
}

// ContextOption configures a SecContext at creation time.
type ContextOption func(*SecContext)

// WithChannelBinding supplies channel binding data for the context.  The
// binding is immutable after creation and is passed to each mechanism that
// supports it.
func WithChannelBinding(cb *ChannelBinding) ContextOption {
	return func(c *SecContext) {
		c.cb = cb
	}
}

// NewInitiator creates an initiator-side security context offering the
// supplied mechanisms in preference order.
func NewInitiator(mechs []Mechanism, opts ...ContextOption) (*SecContext, error) {
	return newContext(true, mechs, opts)
}

// NewAcceptor creates an acceptor-side security context prepared to accept
// any of the supplied mechanisms.  Mechanism selection always honors the
// initiator's preference order, not the order given here.
func NewAcceptor(mechs []Mechanism, opts ...ContextOption) (*SecContext, error) {
	return newContext(false, mechs, opts)
}

func newContext(initiator bool, mechs []Mechanism, opts []ContextOption) (*SecContext, error) {
	if len(mechs) == 0 {
		return nil, errStatus(CodeBadMech, "at least one mechanism is required")
	}

	c := &SecContext{
		isInitiator: initiator,
		state:       StateNotStarted,
		mechs:       mechs,
		firstResp:   true,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.cb != nil {
		for _, m := range mechs {
			if cb, ok := m.(channelBinder); ok {
				cb.SetChannelBinding(c.cb)
			}
		}
	}

	return c, nil
}

// State returns the current lifecycle state.
func (c *SecContext) State() ContextState {
	return c.state
}

// Established reports whether the context is ready for message protection.
func (c *SecContext) Established() bool {
	return c.state == StateEstablished
}

// SelectedMech returns the OID of the negotiated mechanism, or nil before
// one has been selected.
func (c *SecContext) SelectedMech() Oid {
	if c.selected == nil {
		return nil
	}

	return c.selected.Oid()
}

// PeerName returns a printable representation of the authenticated peer.
func (c *SecContext) PeerName() string {
	if c.selected == nil {
		return ""
	}

	return c.selected.PeerName()
}

// Identity returns the authenticated peer identity on an acceptor whose
// mechanism provides one, or nil.
func (c *SecContext) Identity() goidentity.Identity {
	if c.state != StateEstablished {
		return nil
	}
	if ip, ok := c.selected.(identityProvider); ok {
		return ip.Identity()
	}

	return nil
}

// Delete terminates the context and securely erases any derived key
// material.  The context accepts no further calls.
func (c *SecContext) Delete() error {
	if c.keys != nil {
		c.keys.Zero()
		c.keys = nil
	}

	c.state = StateFailed
	c.failure = errStatus(CodeNoContext, "context has been deleted")

	return nil
}

// fail transitions to the terminal Failed state, erasing any derived keys.
// Every decode or mechanism failure is terminal; a new negotiation requires
// a new context.
func (c *SecContext) fail(err error) error {
	if c.keys != nil {
		c.keys.Zero()
		c.keys = nil
	}

	c.state = StateFailed
	c.failure = err

	return err
}

func (c *SecContext) ensureKeys() error {
	if c.keys != nil {
		return nil
	}

	keys, err := c.selected.DeriveProtectionKeys()
	if err != nil {
		return err
	}
	c.keys = keys

	return nil
}

// Step processes one negotiation leg.  inputToken is nil for the
// initiator's first call.  If outputToken is non-nil it must be delivered
// to the peer.  The context is established once Established returns true;
// an error is terminal.
func (c *SecContext) Step(inputToken []byte) (outputToken []byte, err error) {
	switch c.state {
	case StateFailed:
		return nil, errStatus(CodeNoContext, "context has failed: %v", c.failure)
	case StateEstablished:
		return nil, errStatus(CodeFailure, "Step called on an established context")
	}

	if c.isInitiator {
		return c.stepInitiator(inputToken)
	}

	return c.stepAcceptor(inputToken)
}

func (c *SecContext) stepInitiator(inputToken []byte) ([]byte, error) {
	if c.state == StateNotStarted {
		if inputToken != nil {
			return nil, c.fail(errStatus(CodeDefectiveToken, "initiator's first Step takes no input token"))
		}

		return c.initialToken()
	}

	tok, err := DecodeToken(inputToken)
	if err != nil {
		return nil, c.fail(err)
	}

	resp, ok := tok.(*NegTokenResp)
	if !ok {
		return nil, c.fail(errStatus(CodeDefectiveToken, "initiator expected a NegTokenResp"))
	}

	return c.initiatorResp(resp)
}

// initialToken builds the NegTokenInit for the first leg, embedding the
// first-preference mechanism's initial output.
func (c *SecContext) initialToken() ([]byte, error) {
	c.offered = make([]Oid, len(c.mechs))
	for i, m := range c.mechs {
		c.offered[i] = m.Oid()
	}

	c.selected = c.mechs[0]
	out, done, err := c.selected.InitLeg(nil)
	if err != nil {
		return nil, c.fail(err)
	}
	c.mechDone = done

	t := NegTokenInit{
		MechTypes: c.offered,
		MechToken: out,
	}
	b, err := t.Marshal()
	if err != nil {
		return nil, c.fail(err)
	}

	c.state = StateNegotiating

	return b, nil
}

func (c *SecContext) initiatorResp(resp *NegTokenResp) ([]byte, error) {
	if resp.NegState == NegStateReject {
		return nil, c.fail(errStatus(CodeBadMech, "the acceptor rejected the negotiation"))
	}

	// the first response carries the acceptor's selection
	if c.state == StateNegotiating {
		if resp.SupportedMech == nil {
			return nil, c.fail(errStatus(CodeDefectiveToken, "first NegTokenResp is missing supportedMech"))
		}

		mech := c.findMech(resp.SupportedMech)
		if mech == nil {
			return nil, c.fail(errStatus(CodeBadMech, "acceptor selected unsupported mechanism %s", resp.SupportedMech))
		}

		// acceptors must not reorder: anything but our first preference
		// means a downgrade happened and the list must be MIC-protected
		if !bytes.Equal(resp.SupportedMech, c.offered[0]) {
			c.selected = mech
			c.mechDone = false
			c.micRequired = true
		}

		c.state = StateMechSelected
	}

	if resp.NegState == NegStateRequestMIC {
		c.micRequired = true
	}

	var out []byte
	if !c.mechDone {
		var done bool
		var err error
		out, done, err = c.selected.InitLeg(resp.ResponseToken)
		if err != nil {
			return nil, c.fail(err)
		}
		c.mechDone = done
	} else if len(resp.ResponseToken) > 0 {
		return nil, c.fail(errStatus(CodeDefectiveToken, "unexpected mechanism token after handshake completion"))
	}

	if resp.MechListMIC != nil {
		c.peerMIC = resp.MechListMIC
	}

	if err := c.verifyPeerMIC(); err != nil {
		return nil, c.fail(err)
	}

	mic, err := c.pendingMIC()
	if err != nil {
		return nil, c.fail(err)
	}

	// the context completes only once the mechanism is done, the acceptor
	// has said so, and any required MIC verified
	if resp.NegState == NegStateAcceptCompleted {
		if !c.mechDone {
			return nil, c.fail(errStatus(CodeDefectiveToken, "acceptor completed before the mechanism handshake finished"))
		}
		if c.micRequired && !c.micOK {
			return nil, c.fail(errStatus(CodeBadMIC, "acceptor completed without the required mechListMIC"))
		}
		if err := c.ensureKeys(); err != nil {
			return nil, c.fail(err)
		}

		c.state = StateEstablished

		if out == nil && mic == nil {
			return nil, nil
		}
	}

	t := NegTokenResp{
		NegState:      NegStateAcceptIncomplete,
		ResponseToken: out,
		MechListMIC:   mic,
	}
	b, err := t.Marshal()
	if err != nil {
		return nil, c.fail(err)
	}

	return b, nil
}

func (c *SecContext) stepAcceptor(inputToken []byte) ([]byte, error) {
	if inputToken == nil {
		return nil, c.fail(errStatus(CodeDefectiveToken, "acceptor requires an input token"))
	}

	tok, err := DecodeToken(inputToken)
	if err != nil {
		return nil, c.fail(err)
	}

	if c.state == StateNotStarted {
		switch t := tok.(type) {
		case *NegTokenInit:
			return c.acceptInitial(t)
		case *RawMechToken:
			return c.acceptRaw(t)
		}

		return nil, c.fail(errStatus(CodeDefectiveToken, "acceptor expected an initial token"))
	}

	if c.rawMode {
		raw, ok := tok.(*RawMechToken)
		if !ok {
			return nil, c.fail(errStatus(CodeDefectiveToken, "peer switched from raw mechanism tokens to SPNEGO"))
		}

		return c.acceptRaw(raw)
	}

	resp, ok := tok.(*NegTokenResp)
	if !ok {
		return nil, c.fail(errStatus(CodeDefectiveToken, "acceptor expected a NegTokenResp"))
	}

	return c.acceptorResp(resp.ResponseToken, resp.MechListMIC)
}

// acceptInitial handles the initiator's NegTokenInit: mechanism selection
// honoring the offerer's order, then the first leg of the chosen mechanism.
func (c *SecContext) acceptInitial(t *NegTokenInit) ([]byte, error) {
	c.offered = t.MechTypes

	for _, oid := range t.MechTypes {
		if m := c.findMech(oid); m != nil {
			c.selected = m
			break
		}
	}

	if c.selected == nil {
		// emit a reject so the peer learns why, but the context is done
		reject := NegTokenResp{NegState: NegStateReject}
		b, _ := reject.Marshal()
		c.fail(errStatus(CodeBadMech, "no common mechanism in offer"))

		return b, c.failure
	}

	// a MIC exchange is mandatory whenever we did not select the
	// initiator's first preference, to defeat bid-down tampering
	c.micRequired = !bytes.Equal(c.selected.Oid(), t.MechTypes[0])
	c.state = StateMechSelected

	// the embedded mechToken belongs to the offer's first mechanism; it is
	// only usable if that is the one we selected
	var mechInput []byte
	if !c.micRequired {
		mechInput = t.MechToken
	}

	return c.acceptorResp(mechInput, t.MechListMIC)
}

func (c *SecContext) acceptorResp(mechInput, peerMIC []byte) ([]byte, error) {
	var out []byte
	if !c.mechDone {
		var done bool
		var err error
		out, done, err = c.selected.AcceptLeg(mechInput)
		if err != nil {
			return nil, c.fail(err)
		}
		c.mechDone = done
	} else if len(mechInput) > 0 {
		return nil, c.fail(errStatus(CodeDefectiveToken, "unexpected mechanism token after handshake completion"))
	}

	if peerMIC != nil {
		c.peerMIC = peerMIC
	}

	if err := c.verifyPeerMIC(); err != nil {
		return nil, c.fail(err)
	}

	mic, err := c.pendingMIC()
	if err != nil {
		return nil, c.fail(err)
	}

	negState := NegStateAcceptIncomplete
	if c.micRequired && c.state == StateMechSelected && !c.mechDone && c.firstResp {
		negState = NegStateRequestMIC
	}

	if c.mechDone && (!c.micRequired || c.micOK) {
		if err := c.ensureKeys(); err != nil {
			return nil, c.fail(err)
		}

		negState = NegStateAcceptCompleted
		c.state = StateEstablished
	}

	t := NegTokenResp{
		NegState:      negState,
		ResponseToken: out,
		MechListMIC:   mic,
	}
	if c.firstResp {
		t.SupportedMech = c.selected.Oid()
		c.firstResp = false
	}

	b, err := t.Marshal()
	if err != nil {
		// context may already be established; a marshal failure here is fatal
		return nil, c.fail(err)
	}

	return b, nil
}

// acceptRaw drives a negotiation where the peer sent a bare mechanism token
// with no SPNEGO framing.  The token is routed to the matching mechanism
// and its output returned unwrapped.
func (c *SecContext) acceptRaw(t *RawMechToken) ([]byte, error) {
	if c.state == StateNotStarted {
		c.selected = c.findMech(t.OID)
		if c.selected == nil {
			return nil, c.fail(errStatus(CodeBadMech, "no mechanism for raw token %s", t.OID))
		}

		c.rawMode = true
		c.state = StateMechSelected
	}

	out, done, err := c.selected.AcceptLeg(t.Bytes)
	if err != nil {
		return nil, c.fail(err)
	}

	if done {
		if err := c.ensureKeys(); err != nil {
			return nil, c.fail(err)
		}
		c.state = StateEstablished
	}

	return out, nil
}

// verifyPeerMIC checks a stashed mechanism-list MIC once the mechanism
// handshake has produced keys to check it with.
func (c *SecContext) verifyPeerMIC() error {
	if c.peerMIC == nil || !c.mechDone {
		return nil
	}

	if err := c.ensureKeys(); err != nil {
		return err
	}

	ml, err := marshalMechList(c.offered)
	if err != nil {
		return err
	}

	if err := c.selected.VerifyListMIC(c.keys, ml, c.peerMIC); err != nil {
		return err
	}

	c.micOK = true
	c.peerMIC = nil

	return nil
}

// pendingMIC returns our mechanism-list MIC if one is required and not yet
// sent.
func (c *SecContext) pendingMIC() ([]byte, error) {
	if !c.micRequired || c.micSent || !c.mechDone {
		return nil, nil
	}

	if err := c.ensureKeys(); err != nil {
		return nil, err
	}

	ml, err := marshalMechList(c.offered)
	if err != nil {
		return nil, err
	}

	mic, err := c.selected.MakeListMIC(c.keys, ml)
	if err != nil {
		return nil, err
	}

	c.micSent = true

	return mic, nil
}

func (c *SecContext) findMech(oid Oid) Mechanism {
	for _, m := range c.mechs {
		if bytes.Equal(m.Oid(), oid) {
			return m
		}
	}

	return nil
}

// Wrap protects an application message under the established context.  The
// local sequence number is bound into the signature and advanced only on
// success.
func (c *SecContext) Wrap(msg []byte, conf bool) (*ProtectedMessage, error) {
	if c.state != StateEstablished {
		return nil, errStatus(CodeNoContext, "context is not established")
	}

	pm, err := c.selected.Wrap(c.keys, c.localSeq, msg, conf)
	if err != nil {
		return nil, err
	}
	c.localSeq++

	return pm, nil
}

// Unwrap validates a protected message from the peer and returns the
// original payload.  Out-of-order or replayed messages fail with
// ErrUnseqToken, tampered ones with ErrBadMic; the expected sequence number
// advances only when a message verifies.
func (c *SecContext) Unwrap(pm *ProtectedMessage) ([]byte, error) {
	if c.state != StateEstablished {
		return nil, errStatus(CodeNoContext, "context is not established")
	}

	msg, err := c.selected.Unwrap(c.keys, c.remoteSeq, pm)
	if err != nil {
		return nil, err
	}
	c.remoteSeq++

	return msg, nil
}
