package inbound

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirtransfer/outbound/config"
	"github.com/fhirtransfer/outbound/model"
)

func newTestClient(t *testing.T) *Client {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)
	return NewClient(config.TransferConfig{
		OwnTransferCode: "BC",
		InboundServices: map[string]string{"ON": "http://inbound.on.test/"},
		HttpTimeoutSec:  5,
	})
}

func testBundle() *model.Bundle {
	return model.NewCollectionBundle([]model.BundleEntry{
		{Resource: json.RawMessage(`{"resourceType":"Patient","id":"42"}`)},
	})
}

func TestIsDefinitiveRejection(t *testing.T) {
	cases := map[int]bool{
		200: false,
		400: true,
		404: true,
		408: false,
		409: true,
		422: true,
		429: false,
		500: false,
		503: false,
	}
	for status, want := range cases {
		assert.Equal(t, want, IsDefinitiveRejection(status), status)
	}
}

func TestSubmitBundle_Accepted(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("POST", "http://inbound.on.test/inbound-transfer", func(req *http.Request) (*http.Response, error) {
		body, _ := io.ReadAll(req.Body)
		var got map[string]map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "Bundle", got["bundle"]["resourceType"])
		return httpmock.NewStringResponse(201, `{"message":"Patient bundle accepted by FHIR server","patient":{"id":"99"}}`), nil
	})

	result, err := c.SubmitBundle(context.Background(), testBundle(), "ON")
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, "99", result.AssignedID)
	assert.Equal(t, 201, result.StatusCode)
}

func TestSubmitBundle_AcceptedWithoutID(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("POST", "http://inbound.on.test/inbound-transfer",
		httpmock.NewStringResponder(201, `{"message":"ok"}`))

	result, err := c.SubmitBundle(context.Background(), testBundle(), "ON")
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Empty(t, result.AssignedID)
}

func TestSubmitBundle_Rejected(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("POST", "http://inbound.on.test/inbound-transfer",
		httpmock.NewStringResponder(422, `{"error":"Bundle is missing a Patient resource"}`))

	result, err := c.SubmitBundle(context.Background(), testBundle(), "ON")
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, 422, result.StatusCode)
	assert.Equal(t, "Bundle is missing a Patient resource", result.Reason())
}

func TestSubmitBundle_UnknownDestination(t *testing.T) {
	c := newTestClient(t)
	_, err := c.SubmitBundle(context.Background(), testBundle(), "QC")
	assert.Error(t, err)
}

func TestSubmitResult_ReasonFallsBackToStatusText(t *testing.T) {
	r := SubmitResult{StatusCode: 400}
	assert.Equal(t, "Bad Request", r.Reason())

	r = SubmitResult{StatusCode: 400, Body: "plain text"}
	assert.Equal(t, "plain text", r.Reason())
}
