// SPDX-License-Identifier: Apache-2.0

package spnego

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	cb "github.com/golang-auth/go-channelbinding"
)

// ChannelBinding carries the channel binding data supplied when a security
// context is created (RFC 2744 § 3.11).  The value is immutable once passed
// to a context; mechanisms fold it into their handshake so that a context
// established over one secure channel cannot be replayed over another.
type ChannelBinding struct {
	InitiatorAddr net.Addr
	AcceptorAddr  net.Addr
	Data          []byte
}

// TLSEndpointBinding builds a tls-server-end-point channel binding (RFC 5929)
// from an established TLS connection.  serverCert may be nil on the client
// side, in which case the peer's leaf certificate from the connection state
// is used.
func TLSEndpointBinding(tlsState tls.ConnectionState, serverCert *x509.Certificate) (*ChannelBinding, error) {
	if serverCert == nil {
		if len(tlsState.PeerCertificates) == 0 {
			return nil, errStatus(CodeBadBindings, "no server certificate available for channel binding")
		}
		serverCert = tlsState.PeerCertificates[0]
	}

	data, err := cb.MakeTLSChannelBinding(tlsState, serverCert, cb.TLSChannelBindingEndpoint)
	if err != nil {
		return nil, fmt.Errorf("spnego: channel binding: %w", err)
	}

	return &ChannelBinding{Data: data}, nil
}
