package stepconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagaflow/orchestrator/saga"
)

func TestDecodeHTTPCall_DefaultsMethodAndValidatesURL(t *testing.T) {
	cfg, err := DecodeHTTPCall(saga.Data{"url": "https://example.com/api"})
	require.NoError(t, err)
	assert.Equal(t, "GET", cfg.Method)
	assert.Equal(t, "https://example.com/api", cfg.URL)
}

func TestDecodeHTTPCall_RejectsMissingURL(t *testing.T) {
	_, err := DecodeHTTPCall(saga.Data{})
	assert.Error(t, err)
}

func TestDecodeHTTPCall_RejectsInvalidMethod(t *testing.T) {
	_, err := DecodeHTTPCall(saga.Data{"url": "https://example.com", "http_method": "TRACE"})
	assert.Error(t, err)
}

func TestDecodeHTTPCall_ExpectedStatusCodesAndHeaders(t *testing.T) {
	cfg, err := DecodeHTTPCall(saga.Data{
		"url":                   "https://example.com",
		"http_method":           "POST",
		"headers":               map[string]interface{}{"X-Test": "1"},
		"expected_status_codes": []interface{}{200, 201},
		"timeout_ms":            5000,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{200, 201}, cfg.ExpectedStatusCodes)
	assert.Equal(t, "1", cfg.Headers["X-Test"])
	assert.EqualValues(t, 5000, cfg.TimeoutMs)
}

func TestDecodeDatabaseOp_RequiresQuery(t *testing.T) {
	_, err := DecodeDatabaseOp(saga.Data{})
	assert.Error(t, err)

	cfg, err := DecodeDatabaseOp(saga.Data{"query": "SELECT 1", "query_parameters": map[string]interface{}{"id": 1}})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", cfg.Query)
	assert.Equal(t, 1, cfg.QueryParameters["id"])
}

func TestDecodeBusinessLogic_RequiresHandlerKey(t *testing.T) {
	_, err := DecodeBusinessLogic(saga.Data{})
	assert.Error(t, err)

	cfg, err := DecodeBusinessLogic(saga.Data{"class_name": "OrderHandler", "method_name": "charge"})
	require.NoError(t, err)
	assert.Equal(t, "OrderHandler", cfg.HandlerKey)
	assert.Equal(t, "charge", cfg.MethodName)
}

func TestDecodeWait_RejectsNegativeDelay(t *testing.T) {
	_, err := DecodeWait(saga.Data{"delay_ms": -1})
	assert.Error(t, err)

	cfg, err := DecodeWait(saga.Data{"delay_ms": 250})
	require.NoError(t, err)
	assert.EqualValues(t, 250, cfg.DelayMs)
}
