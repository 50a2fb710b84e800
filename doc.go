// SPDX-License-Identifier: Apache-2.0

/*
Package spnego implements the SPNEGO (RFC 4178) pseudo-mechanism:
negotiation of an authentication mechanism between an initiator and an
acceptor, followed by per-message integrity and confidentiality
protection using the negotiated mechanism's keys.

An Initiator (ie. client) creates a security context with NewInitiator
and an Acceptor (ie. server) with NewAcceptor, each supplying the
concrete mechanisms it is prepared to use, in preference order.  Both
sides then call Step in a loop, transferring the returned tokens
between themselves using a suitable communication protocol.  When
Established returns true, the context can be used to securely transfer
messages using Wrap and Unwrap.

The negotiation is protected against mechanism downgrade: whenever the
acceptor selects a mechanism other than the initiator's first
preference, both sides exchange and verify a MIC over the offered
mechanism list before the context is considered established.

Concrete mechanisms live in the ntlm and krb5 subpackages.  Token
transport (HTTP headers, SASL framing, sockets) is the caller's
responsibility; this package only defines the token bytes.
*/
package spnego
