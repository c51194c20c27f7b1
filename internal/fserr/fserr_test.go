package fserr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesSentinel(t *testing.T) {
	err := Wrap(KindNotFound, "get", "/a.txt", errors.New("550 No such file"))
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrPermission))

	wrapped := fmt.Errorf("dispatch: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestPublicHidesNativeText(t *testing.T) {
	err := Wrap(KindPermission, "put", "/etc/x", errors.New("553 Could not create file: vsftpd internals"))
	assert.Equal(t, "put /etc/x: permission denied", Public(err))
	assert.Contains(t, err.Error(), "vsftpd internals")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindInternal, "x", "", nil))
	assert.NoError(t, Classify("x", "", nil))
}

func TestKindOfNativeErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not exist", &os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}, KindNotFound},
		{"exists", os.ErrExist, KindAlreadyExists},
		{"permission", os.ErrPermission, KindPermission},
		{"broken pipe", &os.SyscallError{Syscall: "write", Err: syscall.EPIPE}, KindTransport},
		{"reset", syscall.ECONNRESET, KindTransport},
		{"unexpected eof", io.ErrUnexpectedEOF, KindTransport},
		{"canceled", context.Canceled, KindTransport},
		{"sentinel", ErrQuota, KindQuota},
		{"other", errors.New("weird"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestClassifyKeepsExistingKind(t *testing.T) {
	orig := New(KindAlreadyExists, "mkdir", "/d")
	assert.Same(t, orig, Classify("other", "/x", orig))

	c := Classify("rm", "/y", os.ErrNotExist)
	var fe *Error
	require.True(t, errors.As(c, &fe))
	assert.Equal(t, KindNotFound, fe.Kind)
	assert.Equal(t, "rm", fe.Op)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(KindAuthentication))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(KindNotAuthenticated))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindAlreadyExists))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindTransport))
	assert.Equal(t, http.StatusNotImplemented, HTTPStatus(KindUnsupported))
}
