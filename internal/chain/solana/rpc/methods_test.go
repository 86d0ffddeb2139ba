package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func jsonHTTPResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func methodTestClient(handler func(*http.Request) (*http.Response, error)) *Client {
	client := NewClient("http://rpc.local", nil)
	client.httpClient = &http.Client{
		Transport: roundTripFunc(handler),
	}
	return client
}

func decodeRequest(t *testing.T, r *http.Request) Request {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var req Request
	require.NoError(t, json.Unmarshal(body, &req))
	return req
}

func resultResponse(t *testing.T, id int, result string) *http.Response {
	t.Helper()
	rawResp, err := json.Marshal(Response{JSONRPC: "2.0", ID: id, Result: json.RawMessage(result)})
	require.NoError(t, err)
	return jsonHTTPResponse(http.StatusOK, string(rawResp))
}

func TestGetSlot_Success(t *testing.T) {
	client := methodTestClient(func(r *http.Request) (*http.Response, error) {
		req := decodeRequest(t, r)
		assert.Equal(t, "getSlot", req.Method)
		assert.Len(t, req.Params, 1)
		return resultResponse(t, req.ID, `123456789`), nil
	})

	slot, err := client.GetSlot(context.Background(), "confirmed")
	require.NoError(t, err)
	assert.Equal(t, int64(123456789), slot)
}

func TestGetSignaturesForAddress_OptsPassedCorrectly(t *testing.T) {
	client := methodTestClient(func(r *http.Request) (*http.Response, error) {
		req := decodeRequest(t, r)
		assert.Equal(t, "getSignaturesForAddress", req.Method)
		assert.Equal(t, "addr", req.Params[0])

		config := req.Params[1].(map[string]interface{})
		assert.Equal(t, float64(50), config["limit"])
		assert.Equal(t, "beforeSig", config["before"])
		assert.Equal(t, "untilSig", config["until"])
		assert.Equal(t, "confirmed", config["commitment"])

		return resultResponse(t, req.ID, `[{"signature":"sig1","slot":100},{"signature":"sig2","slot":99,"err":{"InstructionError":[0,"Custom"]}}]`), nil
	})

	sigs, err := client.GetSignaturesForAddress(context.Background(), "addr", &GetSignaturesOpts{
		Limit:  50,
		Before: "beforeSig",
		Until:  "untilSig",
	})
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, "sig1", sigs[0].Signature)
	assert.Equal(t, uint64(100), sigs[0].Slot)
	assert.NotNil(t, sigs[1].Err)
}

func TestGetSignaturesForAddress_NilOpts(t *testing.T) {
	client := methodTestClient(func(r *http.Request) (*http.Response, error) {
		req := decodeRequest(t, r)
		config := req.Params[1].(map[string]interface{})
		_, hasLimit := config["limit"]
		assert.False(t, hasLimit)
		return resultResponse(t, req.ID, `[]`), nil
	})

	sigs, err := client.GetSignaturesForAddress(context.Background(), "addr", nil)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestGetBlock_ParsesTransactions(t *testing.T) {
	client := methodTestClient(func(r *http.Request) (*http.Response, error) {
		req := decodeRequest(t, r)
		assert.Equal(t, "getBlock", req.Method)
		assert.Equal(t, float64(120), req.Params[0])
		config := req.Params[1].(map[string]interface{})
		assert.Equal(t, "jsonParsed", config["encoding"])
		assert.Equal(t, "full", config["transactionDetails"])

		return resultResponse(t, req.ID, `{
			"blockhash": "hash120",
			"previousBlockhash": "hash119",
			"parentSlot": 119,
			"blockTime": 1700000000,
			"transactions": [{
				"transaction": {
					"signatures": ["sigA"],
					"message": {
						"accountKeys": [{"pubkey": "payer", "signer": true, "writable": true}],
						"instructions": [{"programId": "11111111111111111111111111111111", "program": "system"}]
					}
				},
				"meta": {"err": null, "fee": 5000}
			}]
		}`), nil
	})

	block, err := client.GetBlock(context.Background(), 120)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, "hash120", block.Blockhash)
	assert.Equal(t, uint64(119), block.ParentSlot)
	require.Len(t, block.Transactions, 1)
	tx := block.Transactions[0]
	assert.Equal(t, []string{"sigA"}, tx.Transaction.Signatures)
	assert.Equal(t, "payer", tx.Transaction.Message.AccountKeys[0].Pubkey)
	assert.Equal(t, "11111111111111111111111111111111", tx.Transaction.Message.Instructions[0].ProgramID)
	assert.Equal(t, uint64(5000), tx.Meta.Fee)
}

func TestGetBlock_NullResult(t *testing.T) {
	client := methodTestClient(func(r *http.Request) (*http.Response, error) {
		req := decodeRequest(t, r)
		return resultResponse(t, req.ID, `null`), nil
	})

	block, err := client.GetBlock(context.Background(), 5)
	require.NoError(t, err)
	assert.Nil(t, block)
}

func TestGetBlock_SkippedSlot(t *testing.T) {
	client := methodTestClient(func(r *http.Request) (*http.Response, error) {
		rawResp, err := json.Marshal(Response{
			JSONRPC: "2.0",
			ID:      1,
			Error:   &RPCError{Code: CodeSlotSkipped, Message: "Slot 5 was skipped, or missing due to ledger jump to recent snapshot"},
		})
		require.NoError(t, err)
		return jsonHTTPResponse(http.StatusOK, string(rawResp)), nil
	})

	_, err := client.GetBlock(context.Background(), 5)
	require.Error(t, err)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.True(t, rpcErr.IsSkippedSlot())
}

func TestGetBlocks_Success(t *testing.T) {
	client := methodTestClient(func(r *http.Request) (*http.Response, error) {
		req := decodeRequest(t, r)
		assert.Equal(t, "getBlocks", req.Method)
		assert.Equal(t, float64(100), req.Params[0])
		assert.Equal(t, float64(110), req.Params[1])
		return resultResponse(t, req.ID, `[100,101,105,110]`), nil
	})

	slots, err := client.GetBlocks(context.Background(), 100, 110)
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 101, 105, 110}, slots)
}
