// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSecret_String(t *testing.T) {
	t.Parallel()
	t.Run("redacted", func(t *testing.T) {
		assert := assert.New(t)
		const want = RedactedClientSecret
		secret := ClientSecret("bob's phone number")
		assert.Equalf(want, secret.String(), "ClientSecret.String() = %v, want %v", secret.String(), want)
		assert.Equal(want, fmt.Sprintf("%v", secret))
	})
}

func TestClientSecret_MarshalJSON(t *testing.T) {
	t.Parallel()
	t.Run("redacted", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		want := fmt.Sprintf(`"%s"`, RedactedClientSecret)
		secret := ClientSecret("bob's phone number")
		got, err := secret.MarshalJSON()
		require.NoError(err)
		assert.Equalf([]byte(want), got, "ClientSecret.MarshalJSON() = %s, want %s", got, want)
	})
}

func TestNewConfig(t *testing.T) {
	t.Parallel()
	testCaPem := TestGenerateCA(t, []string{"localhost"})

	type args struct {
		issuer   string
		clientId string
		opt      []Option
	}
	tests := []struct {
		name      string
		args      args
		want      *Config
		wantErr   bool
		wantIsErr error
	}{
		{
			name: "valid-with-all-valid-opts",
			args: args{
				issuer:   "https://YOUR_ISSUER/",
				clientId: "YOUR_CLIENT_ID",
				opt: []Option{
					WithClientSecret("YOUR_CLIENT_SECRET"),
					WithAudiences("YOUR_AUD1", "YOUR_AUD2"),
					WithScopes("email", "profile"),
					WithProviderCA(testCaPem),
					WithSupportedSigningAlgs(RS512, ES256),
				},
			},
			want: &Config{
				Issuer:               "https://YOUR_ISSUER/",
				ClientId:             "YOUR_CLIENT_ID",
				ClientSecret:         "YOUR_CLIENT_SECRET",
				Scopes:               []string{"email", "profile"},
				SupportedSigningAlgs: []Alg{RS512, ES256},
				Audiences:            []string{"YOUR_AUD1", "YOUR_AUD2"},
				ProviderCA:           testCaPem,
			},
		},
		{
			name: "public-client",
			args: args{
				issuer:   "http://127.0.0.1:8200",
				clientId: "YOUR_CLIENT_ID",
			},
			want: &Config{
				Issuer:   "http://127.0.0.1:8200",
				ClientId: "YOUR_CLIENT_ID",
			},
		},
		{
			name: "missing-client-id",
			args: args{
				issuer: "https://YOUR_ISSUER/",
			},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
		{
			name: "missing-issuer",
			args: args{
				clientId: "YOUR_CLIENT_ID",
			},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
		{
			name: "bad-issuer-scheme",
			args: args{
				issuer:   "ftp://YOUR_ISSUER/",
				clientId: "YOUR_CLIENT_ID",
			},
			wantErr:   true,
			wantIsErr: ErrInvalidIssuer,
		},
		{
			name: "unsupported-alg",
			args: args{
				issuer:   "https://YOUR_ISSUER/",
				clientId: "YOUR_CLIENT_ID",
				opt:      []Option{WithSupportedSigningAlgs("HS256")},
			},
			wantErr:   true,
			wantIsErr: ErrUnsupportedAlg,
		},
		{
			name: "bad-ca",
			args: args{
				issuer:   "https://YOUR_ISSUER/",
				clientId: "YOUR_CLIENT_ID",
				opt:      []Option{WithProviderCA("not a pem")},
			},
			wantErr:   true,
			wantIsErr: ErrInvalidCACert,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, err := NewConfig(tt.args.issuer, tt.args.clientId, tt.args.opt...)
			if tt.wantErr {
				require.Error(err)
				assert.Nil(got)
				if tt.wantIsErr != nil {
					assert.ErrorIs(err, tt.wantIsErr)
				}
				return
			}
			require.NoError(err)
			assert.Equal(tt.want, got)
		})
	}
}

func TestConfig_Validate_multipleErrors(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	c := &Config{SupportedSigningAlgs: []Alg{"none"}}
	err := c.Validate()
	assert.ErrorIs(err, ErrInvalidParameter)
	assert.ErrorIs(err, ErrUnsupportedAlg)
	assert.Contains(err.Error(), "client id is empty")
	assert.Contains(err.Error(), "discovery URL is empty")

	var nilConfig *Config
	assert.ErrorIs(nilConfig.Validate(), ErrNilParameter)
}

func TestConfig_scopes(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	c := &Config{Scopes: []string{"openid", "email", "offline_access", "profile"}}
	assert.Equal([]string{"openid", "offline_access", "email", "profile"}, c.scopes())
	assert.Nil((&Config{}).signingAlgs())
	assert.Equal([]string{"ES256"}, (&Config{SupportedSigningAlgs: []Alg{ES256}}).signingAlgs())
}

func TestNewHTTPClient(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	client, err := NewHTTPClient("")
	require.NoError(err)
	assert.NotNil(client)

	client, err = NewHTTPClient(TestGenerateCA(t, []string{"127.0.0.1"}))
	require.NoError(err)
	assert.NotNil(client)

	_, err = NewHTTPClient("not a pem")
	assert.ErrorIs(err, ErrInvalidCACert)
}
