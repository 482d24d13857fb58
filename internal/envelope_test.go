package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDataEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeData(w, emptySearchResult(), newMetadata())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Empty(t, w.Header().Get("X-Error-Code"))

	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Nil(t, env.Error)
	assert.NotEmpty(t, env.Metadata.Timestamp)
}

func TestWriteErrorEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, apiErrorf(CodeInvalidISBN, "checksum failed"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ISBN", w.Header().Get("X-Error-Code"))

	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeInvalidISBN, env.Error.Code)
	assert.Equal(t, "checksum failed", env.Error.Message)
	assert.Nil(t, env.Data)
}

func TestErrorCodeStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, CodeInvalidQuery.Status())
	assert.Equal(t, http.StatusBadRequest, CodeBatchTooLarge.Status())
	assert.Equal(t, http.StatusUnauthorized, CodeInvalidToken.Status())
	assert.Equal(t, http.StatusRequestEntityTooLarge, CodeFileTooLarge.Status())
	assert.Equal(t, http.StatusNotFound, CodeJobNotFound.Status())
	assert.Equal(t, http.StatusTooManyRequests, CodeRateLimited.Status())
	assert.Equal(t, http.StatusServiceUnavailable, CodeProviderTimeout.Status())
	assert.Equal(t, http.StatusServiceUnavailable, CodeProviderDown.Status())
	assert.Equal(t, http.StatusBadGateway, CodeProviderError.Status())
	assert.Equal(t, http.StatusInternalServerError, CodeInternal.Status())
}

func TestAsAPIError(t *testing.T) {
	ae := asAPIError(errNotFound)
	assert.Equal(t, CodeNotFound, ae.Code)

	ae = asAPIError(&providerFailure{provider: ProviderISBNdb, kind: FailTimeout, err: context.DeadlineExceeded})
	assert.Equal(t, CodeProviderTimeout, ae.Code)

	ae = asAPIError(&providerFailure{provider: ProviderGoogleBooks, kind: FailRateLimited, err: statusErr(429)})
	assert.Equal(t, CodeProviderDown, ae.Code)

	ae = asAPIError(&providerFailure{provider: ProviderOpenLibrary, kind: FailMalformed, err: errors.New("truncated body")})
	assert.Equal(t, CodeProviderError, ae.Code)

	// apiErrors pass through untouched.
	orig := apiErrorf(CodeEmptyBatch, "no work ids")
	assert.Same(t, orig, asAPIError(orig))

	ae = asAPIError(errors.New("boom"))
	assert.Equal(t, CodeInternal, ae.Code)
}

func TestClassifyFailure(t *testing.T) {
	assert.ErrorIs(t, classifyFailure(ProviderISBNdb, statusErr(404)), errNotFound)

	var pf *providerFailure
	require.ErrorAs(t, classifyFailure(ProviderISBNdb, statusErr(429)), &pf)
	assert.Equal(t, FailRateLimited, pf.kind)
	assert.True(t, pf.retryable())

	require.ErrorAs(t, classifyFailure(ProviderISBNdb, statusErr(503)), &pf)
	assert.Equal(t, FailUpstream, pf.kind)
	assert.True(t, pf.retryable())

	require.ErrorAs(t, classifyFailure(ProviderISBNdb, statusErr(401)), &pf)
	assert.Equal(t, FailAuth, pf.kind)
	assert.False(t, pf.retryable())

	require.ErrorAs(t, classifyFailure(ProviderISBNdb, context.DeadlineExceeded), &pf)
	assert.Equal(t, FailTimeout, pf.kind)

	require.ErrorAs(t, classifyFailure(ProviderISBNdb, errors.New("bad json")), &pf)
	assert.Equal(t, FailMalformed, pf.kind)
	assert.False(t, retryableFailure(pf))
}

func TestParseYear(t *testing.T) {
	assert.Equal(t, 2001, parseYear("2001-07-16"))
	assert.Equal(t, 2001, parseYear("July 16, 2001"))
	assert.Equal(t, 1984, parseYear("1984"))
	assert.Equal(t, 0, parseYear("n.d."))
	assert.Equal(t, 0, parseYear(""))
}
