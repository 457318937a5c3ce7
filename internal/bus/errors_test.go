package bus

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoteError_UnknownMethod(t *testing.T) {
	err := error(&RemoteError{Method: "foo/bar", Message: unknownMethodMessage("foo/bar")})
	assert.ErrorIs(t, err, ErrUnknownMethod)
	assert.Contains(t, err.Error(), "Unknown method: foo/bar")

	err = &RemoteError{Method: "ping", Message: "database is locked"}
	assert.NotErrorIs(t, err, ErrUnknownMethod)
}

func TestDeclinedError(t *testing.T) {
	err := error(&DeclinedError{Method: "provider/setActive"})
	assert.ErrorIs(t, err, ErrIgnored)
	assert.Equal(t, `rpc: method "provider/setActive" was declined by the server`, err.Error())
	assert.NotErrorIs(t, err, ErrUnknownMethod)
}

func TestTransportError_Unwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := fmt.Errorf("calling: %w", &TransportError{Method: "ping", Err: cause})

	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)

	var te *TransportError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, "ping", te.Method)
}
