package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeMapsWrappedErrors(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{nil, ""},
		{fmt.Errorf("start tunnel: %w", ErrAlreadyRunning), CodeAlreadyRunning},
		{fmt.Errorf("fetch: %w", ErrTokenFetch), CodeTokenFetch},
		{fmt.Errorf("exec: %w", ErrSpawn), CodeSpawn},
		{fmt.Errorf("port 8080: %w", ErrPortInUse), CodePortInUse},
		{fmt.Errorf("backendURL: %w", ErrValidation), CodeValidation},
		{ErrProcessCrashed, CodeProcessCrashed},
		{errors.New("boom"), CodeInternal},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, Code(c.err))
	}
}

func TestFromCodeRoundTrip(t *testing.T) {
	for _, e := range []error{ErrSpawn, ErrTokenFetch, ErrPortInUse, ErrAlreadyRunning, ErrValidation, ErrProcessCrashed} {
		assert.ErrorIs(t, FromCode(Code(e)), e)
	}
	assert.Nil(t, FromCode(CodeInternal))
	assert.Nil(t, FromCode("nope"))
}
