package builtins

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/nova-gateway/internal/tenant"
)

var caller = tenant.Context{Type: tenant.ContextTypeUser, ID: 555}

func TestPack_DescriptorsAndLookup(t *testing.T) {
	pack := PublicDataPack(NewPublicDataClient(""))

	descs := pack.Descriptors()
	require.Len(t, descs, 3)
	assert.Equal(t, "nova_networks", descs[0].Name)
	assert.Equal(t, "nova_token_price", descs[1].Name)
	assert.Equal(t, "nova_search_pools", descs[2].Name)

	assert.NotNil(t, pack.Lookup("nova_token_price"))
	assert.Nil(t, pack.Lookup("user_555_lookup_v1"))
}

func TestPublicData_Networks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/networks", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		w.Write([]byte(`{"data":[{"id":"eth"}]}`))
	}))
	defer srv.Close()

	pack := PublicDataPack(NewPublicDataClient(srv.URL))
	result, err := pack.Lookup("nova_networks").Handler(context.Background(), caller, json.RawMessage(`{"page":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[{"id":"eth"}]}`, string(result))
}

func TestPublicData_TokenPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/networks/eth/token_price/0xabc", r.URL.Path)
		w.Write([]byte(`{"data":{"attributes":{"token_prices":{"0xabc":"1.23"}}}}`))
	}))
	defer srv.Close()

	pack := PublicDataPack(NewPublicDataClient(srv.URL))
	result, err := pack.Lookup("nova_token_price").Handler(context.Background(), caller,
		json.RawMessage(`{"network":"eth","address":"0xabc"}`))
	require.NoError(t, err)
	assert.Contains(t, string(result), "1.23")
}

func TestPublicData_SearchPools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search/pools", r.URL.Path)
		assert.Equal(t, "pepe", r.URL.Query().Get("query"))
		assert.Equal(t, "eth", r.URL.Query().Get("network"))
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	pack := PublicDataPack(NewPublicDataClient(srv.URL))
	_, err := pack.Lookup("nova_search_pools").Handler(context.Background(), caller,
		json.RawMessage(`{"query":"pepe","network":"eth"}`))
	assert.NoError(t, err)
}

func TestPublicData_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	pack := PublicDataPack(NewPublicDataClient(srv.URL))
	_, err := pack.Lookup("nova_networks").Handler(context.Background(), caller, nil)
	assert.Error(t, err)
}
