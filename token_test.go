package spnego

import (
	"encoding/hex"
	"testing"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegTokenInitRoundTrip(t *testing.T) {
	t.Parallel()

	in := NegTokenInit{
		MechTypes:   []Oid{OidKRB5, OidNTLMSSP},
		MechToken:   []byte("mech token bytes"),
		MechListMIC: []byte("mic bytes"),
	}

	b, err := in.Marshal()
	require.NoError(t, err)
	assert.Equal(t, byte(0x60), b[0], "initial token must carry the GSS-API application framing")

	tok, err := DecodeToken(b)
	require.NoError(t, err)

	out, ok := tok.(*NegTokenInit)
	require.True(t, ok, "decoded to %T", tok)
	assert.Equal(t, in.MechTypes, out.MechTypes)
	assert.Equal(t, in.MechToken, out.MechToken)
	assert.Equal(t, in.MechListMIC, out.MechListMIC)
}

func TestNegTokenInitRequiresMechTypes(t *testing.T) {
	t.Parallel()

	in := NegTokenInit{MechToken: []byte("orphan")}
	_, err := in.Marshal()
	assert.ErrorIs(t, err, ErrDefectiveToken)
}

func TestNegTokenRespRoundTrip(t *testing.T) {
	t.Parallel()

	in := NegTokenResp{
		NegState:      NegStateRequestMIC,
		SupportedMech: OidNTLMSSP,
		ResponseToken: []byte("response bytes"),
		MechListMIC:   []byte("mic bytes"),
	}

	b, err := in.Marshal()
	require.NoError(t, err)
	assert.Equal(t, byte(0xa1), b[0], "response token is choice [1]")

	tok, err := DecodeToken(b)
	require.NoError(t, err)

	out, ok := tok.(*NegTokenResp)
	require.True(t, ok, "decoded to %T", tok)
	assert.Equal(t, in.NegState, out.NegState)
	assert.Equal(t, in.SupportedMech, out.SupportedMech)
	assert.Equal(t, in.ResponseToken, out.ResponseToken)
	assert.Equal(t, in.MechListMIC, out.MechListMIC)
}

func TestNegTokenRespMinimal(t *testing.T) {
	t.Parallel()

	in := NegTokenResp{NegState: NegStateReject}

	b, err := in.Marshal()
	require.NoError(t, err)

	tok, err := DecodeToken(b)
	require.NoError(t, err)

	out, ok := tok.(*NegTokenResp)
	require.True(t, ok)
	assert.Equal(t, NegStateReject, out.NegState)
	assert.Nil(t, out.SupportedMech)
	assert.Empty(t, out.ResponseToken)
	assert.Empty(t, out.MechListMIC)
}

func TestDecodeTokenInvalidNegState(t *testing.T) {
	t.Parallel()

	in := NegTokenResp{NegState: NegState(7)}
	b, err := in.Marshal()
	require.NoError(t, err)

	_, err = DecodeToken(b)
	assert.ErrorIs(t, err, ErrDefectiveToken)
}

func TestDecodeTokenNTLM(t *testing.T) {
	t.Parallel()

	b := append([]byte("NTLMSSP\x00"), 0x02, 0x00, 0x00, 0x00)
	tok, err := DecodeToken(b)
	require.NoError(t, err)

	raw, ok := tok.(*RawMechToken)
	require.True(t, ok, "decoded to %T", tok)
	assert.Equal(t, OidNTLMSSP, raw.OID)
	assert.Equal(t, b, raw.Bytes)

	// a valid signature with a nonsense message type is not an NTLM message
	bad := append([]byte("NTLMSSP\x00"), 0x09, 0x00, 0x00, 0x00)
	_, err = DecodeToken(bad)
	assert.ErrorIs(t, err, ErrDefectiveToken)

	_, err = DecodeToken([]byte("NTLMSSP\x00"))
	assert.ErrorIs(t, err, ErrDefectiveToken)
}

func TestDecodeTokenRawKerberos(t *testing.T) {
	t.Parallel()

	// a bare Kerberos context token reuses the GSS-API framing with the
	// krb5 OID in place of the SPNEGO one
	aoid, err := OidKRB5.asn1Oid()
	require.NoError(t, err)
	inner, err := asn1.Marshal(aoid)
	require.NoError(t, err)
	inner = append(inner, 0x01, 0x00, 0xde, 0xad)
	b := asn1tools.AddASNAppTag(inner, 0)

	tok, err := DecodeToken(b)
	require.NoError(t, err)

	raw, ok := tok.(*RawMechToken)
	require.True(t, ok, "decoded to %T", tok)
	assert.Equal(t, OidKRB5, raw.OID)
	assert.Equal(t, b, raw.Bytes)
}

func TestDecodeTokenGarbage(t *testing.T) {
	t.Parallel()

	for _, b := range [][]byte{
		nil,
		{},
		{0x30, 0x03, 0x02, 0x01, 0x00},
		{0x60, 0xff},
		{0xa1, 0x00},
	} {
		_, err := DecodeToken(b)
		assert.ErrorIs(t, err, ErrDefectiveToken, "input % 02x", b)
	}
}

func TestMarshalMechList(t *testing.T) {
	t.Parallel()

	b, err := marshalMechList([]Oid{OidKRB5, OidNTLMSSP})
	require.NoError(t, err)

	// DER SEQUENCE OF OID over the offered list; the mechListMIC is
	// computed over exactly these bytes on both sides
	want := "3017" + "06092a864886f712010202" + "060a2b06010401823702020a"
	assert.Equal(t, want, hex.EncodeToString(b))

	_, err = marshalMechList([]Oid{{}})
	assert.ErrorIs(t, err, ErrBadMech)
}
