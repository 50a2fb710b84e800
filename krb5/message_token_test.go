package krb5

import (
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golang-auth/go-spnego"
)

const (
	testWrapPayload = "testing 123"

	// from kadmin:
	//   ank -kvno 123 -pw password -e test test
	//   ktadd -k test.kt -norandkey test
	testAES256Key = "93860ea9a3961f58f1e1370286c720ab8da6574cacb26396f7de6ebfbbfd00a0"
	aesCksumLen   = 12
	encPayloadLen = 55

	sampleWrapTokenSignature     = "71914A5D08018A97375AB52A"
	wrapTokenSignedHeader        = "050400ff000c0000000000000000007B"
	sampleSignedWrapToken        = "050404ff000c000000000000209bb2cb74657374696e6720313233efed11aa6caa6cf5a7e595a5"
	sampleSignedWrapTokenWindows = "050400ff000c000c0000000000000000a79b6be6ce749f2f6102c78774657374"
	sampleMICTokenSignature      = "b479cc6b1a27beb60a815b26"
	micTokenHeader               = "040404ffffffffff000000000000007B"
	sampleMICToken               = "040404ffffffffff000000000000007Bb479cc6b1a27beb60a815b26"
)

func sampleWrapToken() wrapToken {
	return wrapToken{
		Flags:          0,
		SequenceNumber: 123,
		Payload:        []byte(testWrapPayload),
	}
}

func sampleMICTokenValue() micToken {
	return micToken{
		Flags:          4,
		SequenceNumber: 123,
	}
}

func sampleAESKey() types.EncryptionKey {
	b, _ := hex.DecodeString(testAES256Key)
	return types.EncryptionKey{
		KeyType:  etypeID.AES256_CTS_HMAC_SHA1_96,
		KeyValue: b,
	}
}

func TestWrapTokenSign(t *testing.T) {
	key := sampleAESKey()
	tok := sampleWrapToken()

	err := tok.Sign(key)

	assert.NoError(t, err, "signing operation failed")
	assert.True(t, tok.signedOrSealed, "token was not signed")
	assert.Equal(t, uint16(aesCksumLen), tok.EC, "wrong checksum length")
	assert.Equal(t, len(testWrapPayload)+aesCksumLen, len(tok.Payload), "wrong signed payload length")

	wantSig, _ := hex.DecodeString(sampleWrapTokenSignature)
	assert.Equal(t, wantSig, tok.Payload[len(testWrapPayload):], "signature not as expected")
	assert.Equal(t, []byte(testWrapPayload), tok.Payload[0:len(testWrapPayload)], "corrupt payload")
}

func TestWrapTokenSeal(t *testing.T) {
	key := sampleAESKey()
	tok := sampleWrapToken()

	err := tok.Seal(key)

	assert.NoError(t, err, "sealing operation failed")
	assert.True(t, tok.signedOrSealed, "token was not sealed")
	assert.NotZero(t, tok.Flags&tokenFlagSealed, "sealed flag not set")
	assert.Equal(t, uint16(0), tok.EC, "wrong extra-count")
	assert.Equal(t, encPayloadLen, len(tok.Payload), "sealed token length is wrong")
}

func TestWrapTokenMarshal(t *testing.T) {
	key := sampleAESKey()
	tok := sampleWrapToken()

	_, err := tok.Marshal()
	assert.Error(t, err, "Marshal of unsigned/sealed token should be an error")

	err = tok.Sign(key)
	assert.NoError(t, err, "signing operation failed")

	tokBytes, err := tok.Marshal()
	assert.NoError(t, err, "Marshal of signed token should succeed")
	assert.Equal(t, 16+len(testWrapPayload)+aesCksumLen, len(tokBytes), "bad token length")

	wantHeader, _ := hex.DecodeString(wrapTokenSignedHeader)
	assert.Equal(t, wantHeader, tokBytes[0:16], "bad wrap token header")

	wantSig, _ := hex.DecodeString(sampleWrapTokenSignature)
	assert.Equal(t, []byte(testWrapPayload), tokBytes[16:16+len(testWrapPayload)], "corrupt payload")
	assert.Equal(t, wantSig, tokBytes[16+len(testWrapPayload):], "signature not as expected")
}

func TestWrapTokenUnmarshal(t *testing.T) {
	tokBytes, _ := hex.DecodeString(sampleSignedWrapToken)

	tok := wrapToken{}
	err := tok.Unmarshal(tokBytes)
	assert.NoError(t, err, "Unmarshal of signed token failed")

	assert.Equal(t, 0x04, int(tok.Flags), "bad token flags")
	assert.Equal(t, uint16(aesCksumLen), tok.EC, "bad EC (signature length)")
	assert.Equal(t, uint16(0), tok.RRC, "bad RRC")
	assert.Equal(t, uint64(0x209bb2cb), tok.SequenceNumber, "bad sequence number")
	assert.Equal(t, true, tok.signedOrSealed, "token is not signed/sealed")
}

func TestWindowsWrapTokenUnmarshal(t *testing.T) {
	tokBytes, _ := hex.DecodeString(sampleSignedWrapTokenWindows)

	tok := wrapToken{}
	err := tok.Unmarshal(tokBytes)
	assert.NoError(t, err, "Unmarshal of signed token failed")

	assert.Equal(t, 0x00, int(tok.Flags), "bad token flags")
	assert.Equal(t, uint16(aesCksumLen), tok.EC, "bad EC (signature length)")
	assert.Equal(t, uint16(12), tok.RRC, "bad RRC")
	assert.Equal(t, uint64(0), tok.SequenceNumber, "bad sequence number")
	assert.Equal(t, true, tok.signedOrSealed, "token is not signed/sealed")
}

func TestWrapTokenVerifyRoundTrip(t *testing.T) {
	key := sampleAESKey()

	for _, sealed := range []bool{false, true} {
		tok := sampleWrapToken()
		var err error
		if sealed {
			err = tok.Seal(key)
		} else {
			err = tok.Sign(key)
		}
		require.NoError(t, err)
		assert.Equal(t, sealed, tok.Flags&tokenFlagSealed != 0,
			"Seal must set the sealed flag itself, the header travels inside the ciphertext")

		b, err := tok.Marshal()
		require.NoError(t, err)

		var got wrapToken
		require.NoError(t, got.Unmarshal(b))

		gotSealed, err := got.VerifyAndDecode(key, false)
		require.NoError(t, err)
		assert.Equal(t, sealed, gotSealed)
		assert.Equal(t, []byte(testWrapPayload), got.Payload)
	}
}

func TestWrapTokenTamperDetected(t *testing.T) {
	key := sampleAESKey()

	tok := sampleWrapToken()
	require.NoError(t, tok.Seal(key))
	b, err := tok.Marshal()
	require.NoError(t, err)

	b[20] ^= 0x01

	var got wrapToken
	require.NoError(t, got.Unmarshal(b))
	_, err = got.VerifyAndDecode(key, false)
	assert.ErrorIs(t, err, spnego.ErrBadMic)
}

func TestWrapTokenRoleMismatch(t *testing.T) {
	key := sampleAESKey()

	tok := sampleWrapToken()
	require.NoError(t, tok.Sign(key))
	b, err := tok.Marshal()
	require.NoError(t, err)

	var got wrapToken
	require.NoError(t, got.Unmarshal(b))
	_, err = got.VerifyAndDecode(key, true)
	assert.ErrorIs(t, err, spnego.ErrDefectiveToken)
}

func TestRotateLeft(t *testing.T) {
	var testData = "abcdefghijklmnop"

	var tests = []struct {
		rc       uint
		expected string
	}{
		{0, "abcdefghijklmnop"},
		{1, "bcdefghijklmnopa"},
		{15, "pabcdefghijklmno"},
		{16, "abcdefghijklmnop"},
		{17, "bcdefghijklmnopa"},
		{32, "abcdefghijklmnop"},
		{33, "bcdefghijklmnopa"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("rc=%d", tt.rc), func(t *testing.T) {
			in := testData
			out := rotateLeft([]byte(in), tt.rc)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMICTokenSign(t *testing.T) {
	key := sampleAESKey()
	tok := sampleMICTokenValue()

	err := tok.Sign([]byte(testWrapPayload), key)

	assert.NoError(t, err, "signing operation failed")
	assert.True(t, tok.signed, "token was not signed")

	wantSig, _ := hex.DecodeString(sampleMICTokenSignature)
	assert.Equal(t, wantSig, tok.Checksum, "signature not as expected")
}

func TestMICTokenMarshal(t *testing.T) {
	key := sampleAESKey()
	tok := sampleMICTokenValue()

	_, err := tok.Marshal()
	assert.Error(t, err, "Marshal of unsigned MIC token should be an error")

	err = tok.Sign([]byte(testWrapPayload), key)
	assert.NoError(t, err, "signing operation failed")

	tokBytes, err := tok.Marshal()
	assert.NoError(t, err, "Marshal of signed token should succeed")
	assert.Equal(t, 16+aesCksumLen, len(tokBytes), "bad token length")

	wantHeader, _ := hex.DecodeString(micTokenHeader)
	assert.Equal(t, wantHeader, tokBytes[0:16], "bad MIC token header")

	wantSig, _ := hex.DecodeString(sampleMICTokenSignature)
	assert.Equal(t, wantSig, tokBytes[16:], "signature not as expected")
}

func TestMICTokenUnmarshal(t *testing.T) {
	tokBytes, _ := hex.DecodeString(sampleMICToken)

	tok := micToken{}
	err := tok.Unmarshal(tokBytes)
	assert.NoError(t, err, "Unmarshal of MIC token failed")

	assert.Equal(t, 0x04, int(tok.Flags), "bad token flags")
	assert.Equal(t, uint64(123), tok.SequenceNumber, "bad sequence number")
	assert.Equal(t, true, tok.signed, "token is not signed/sealed")
}

func TestMICTokenVerify(t *testing.T) {
	key := sampleAESKey()
	tokBytes, _ := hex.DecodeString(sampleMICToken)

	tok := micToken{}
	require.NoError(t, tok.Unmarshal(tokBytes))

	// sample token carries the acceptor-subkey flag, sender is the initiator
	assert.NoError(t, tok.Verify([]byte(testWrapPayload), key, false))
	assert.ErrorIs(t, tok.Verify([]byte("other payload"), key, false), spnego.ErrBadMic)
}
