package spnego

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeSentinels(t *testing.T) {
	t.Parallel()

	for c := CodeBadMech; c < _codeLast; c++ {
		require.NotNil(t, c.Err(), "code %d has no sentinel", c)
		assert.ErrorIs(t, errStatus(c, "context"), c.Err(), "code %s", c)
	}

	assert.ErrorIs(t, ErrorCode(0).Err(), ErrBadStatus)
	assert.ErrorIs(t, _codeLast.Err(), ErrBadStatus)
}

func TestErrorCodeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "BAD_MECH", CodeBadMech.String())
	assert.Equal(t, "BAD_MIC", CodeBadMIC.String())
	assert.Equal(t, "NAME_NOT_MN", CodeNameNotMN.String())
	assert.Equal(t, "ErrorCode(99)", ErrorCode(99).String())
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	s := errStatus(CodeDefectiveToken, "short header: %d bytes", 3)
	assert.Equal(t, "invalid token was supplied: short header: 3 bytes", s.Error())
	assert.ErrorIs(t, s, ErrDefectiveToken)

	// a Status wrapped further down the stack still matches its sentinel
	wrapped := fmt.Errorf("reading leg: %w", s)
	assert.ErrorIs(t, wrapped, ErrDefectiveToken)

	var got Status
	require.True(t, errors.As(wrapped, &got))
	assert.Equal(t, CodeDefectiveToken, got.Code)
}

func TestFromGSSMajor(t *testing.T) {
	t.Parallel()

	s := FromGSSMajor(9<<16, "accepting context")
	assert.ErrorIs(t, s, ErrDefectiveToken)
	assert.Equal(t, NativeGSSAPI, s.NativeSource)
	assert.Contains(t, s.Error(), "GSS major 0x00090000")

	// calling-error and supplementary bits do not disturb the mapping
	s = FromGSSMajor(0x01<<24|6<<16|0x02, "verifying")
	assert.ErrorIs(t, s, ErrBadMic)

	// unknown majors degrade to the generic failure
	s = FromGSSMajor(0xab<<16, "")
	assert.ErrorIs(t, s, ErrFailure)
	assert.Equal(t, int64(0xab<<16), s.NativeCode)
}

func TestFromSSPI(t *testing.T) {
	t.Parallel()

	s := FromSSPI(-2146893048, "InitializeSecurityContext") // SEC_E_INVALID_TOKEN
	assert.ErrorIs(t, s, ErrDefectiveToken)
	assert.Equal(t, NativeSSPI, s.NativeSource)
	assert.Contains(t, s.Error(), "SSPI")

	s = FromSSPI(-2146892986, "") // SEC_E_BAD_BINDINGS
	assert.ErrorIs(t, s, ErrBadBindings)

	s = FromSSPI(-1, "")
	assert.ErrorIs(t, s, ErrFailure)
}
