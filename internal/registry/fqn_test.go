package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/nova-gateway/internal/tenant"
)

func TestFQN_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		fqn  FQN
		want string
	}{
		{
			name: "user tool",
			fqn:  FQN{Owner: tenant.Context{Type: tenant.ContextTypeUser, ID: 555}, BaseName: "lookup", Version: 1},
			want: "user_555_lookup_v1",
		},
		{
			name: "group tool",
			fqn:  FQN{Owner: tenant.Context{Type: tenant.ContextTypeGroup, ID: -42}, BaseName: "price_feed", Version: 3},
			want: "group_-42_price_feed_v3",
		},
		{
			name: "base name containing version-like segment",
			fqn:  FQN{Owner: tenant.Context{Type: tenant.ContextTypeUser, ID: 1}, BaseName: "api_v2_client", Version: 7},
			want: "user_1_api_v2_client_v7",
		},
		{
			name: "large version",
			fqn:  FQN{Owner: tenant.Context{Type: tenant.ContextTypeUser, ID: 9}, BaseName: "t", Version: 120},
			want: "user_9_t_v120",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fqn.String())

			parsed, err := ParseFQN(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.fqn, parsed)
		})
	}
}

func TestParseFQN_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no prefix", "555_lookup_v1"},
		{"unknown context type", "bot_555_lookup_v1"},
		{"missing id", "user_lookup_v1"},
		{"non-numeric id", "user_abc_lookup_v1"},
		{"zero id", "user_0_lookup_v1"},
		{"negative user id", "user_-5_lookup_v1"},
		{"positive group id", "group_42_lookup_v1"},
		{"missing base name", "user_555_v1"},
		{"missing version", "user_555_lookup"},
		{"zero version", "user_555_lookup_v0"},
		{"negative version", "user_555_lookup_v-1"},
		{"non-numeric version", "user_555_lookup_vx"},
		{"leading zero version", "user_555_lookup_v01"},
		{"uppercase base name", "user_555_Lookup_v1"},
		{"base name starts with digit", "user_555_1lookup_v1"},
		{"trailing garbage", "user_555_lookup_v1 "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFQN(tt.input)
			assert.ErrorIs(t, err, ErrMalformedName)
		})
	}
}

func TestValidateBaseName(t *testing.T) {
	assert.NoError(t, ValidateBaseName("lookup"))
	assert.NoError(t, ValidateBaseName("a1_b2_c3"))

	assert.Error(t, ValidateBaseName(""))
	assert.Error(t, ValidateBaseName("Lookup"))
	assert.Error(t, ValidateBaseName("9lives"))
	assert.Error(t, ValidateBaseName("has-dash"))

	long := make([]byte, MaxBaseNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidateBaseName(string(long)))
}
