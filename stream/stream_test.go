package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/wtcpq/pdu"
)

func TestStreamForKnownTypes(t *testing.T) {
	id, err := StreamFor(pdu.Telemetry)
	require.NoError(t, err)
	assert.Equal(t, Telemetry, id)

	id, err = StreamFor(pdu.Emergency)
	require.NoError(t, err)
	assert.Equal(t, Emergency, id)

	id, err = StreamFor(pdu.AuthRequest)
	require.NoError(t, err)
	assert.Equal(t, Control, id)
}

func TestValidateAcceptsMatchingPair(t *testing.T) {
	assert.NoError(t, Validate(Telemetry, pdu.Telemetry))
	assert.NoError(t, Validate(Control, pdu.Sleep))
	assert.NoError(t, Validate(Emergency, pdu.Emergency))
}

func TestValidateRejectsMismatch(t *testing.T) {
	err := Validate(Telemetry, pdu.AuthRequest)
	require.Error(t, err)
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, Telemetry, me.Stream)
	assert.Equal(t, pdu.AuthRequest, me.PDUType)
}
