package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/wtcpq/pdu"
)

func TestRecorderRecordsWithoutError(t *testing.T) {
	r, err := NewRecorder()
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	r.SessionOpened()
	r.PDUAccepted(pdu.Telemetry)
	r.PDURejected(pdu.Control, "stream-type-mismatch")
	r.SessionClosed(5 * time.Second)

	assert.EqualValues(t, 0, r.liveSessions.Load())
}
