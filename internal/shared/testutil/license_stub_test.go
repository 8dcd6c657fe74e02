package testutil

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLicenseStub(t *testing.T) {
	stub := NewLicenseStub(t, Respond(http.StatusOK, ApprovedBody(7, "")))

	resp, err := http.Post(stub.URL(), "application/json",
		strings.NewReader(`{"androidIdStr":"dev-1","authCode":"CODE"}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, stub.Calls())
	assert.Equal(t, VerifyRequest{AndroidIDStr: "dev-1", AuthCode: "CODE"}, stub.Requests()[0])
	assert.Equal(t, 1, stub.MaxConcurrent())
}

func TestBodies(t *testing.T) {
	assert.JSONEq(t, `{"code":200,"msg":"ok","data":{"remaining_days":3}}`, ApprovedBody(3, ""))
	assert.JSONEq(t, `{"code":200,"msg":"ok","data":{"remaining_days":3,"config":"ENC:x"}}`, ApprovedBody(3, "ENC:x"))
	assert.JSONEq(t, `{"code":403,"msg":"expired"}`, RejectedBody(403, "expired"))
}
