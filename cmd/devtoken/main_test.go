package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/evpay/internal/service/auth/tokenmanager"
)

func noEnv(string) string { return "" }

func Test_run(t *testing.T) {
	t.Run("new secret", func(t *testing.T) {
		out := &bytes.Buffer{}

		err := run([]string{"--secret"}, noEnv, out)

		require.NoError(t, err)
		require.Len(t, strings.TrimSpace(out.String()), SecretKeyBytesLen*2, "hex encoded secret")
	})

	t.Run("token verifies with the same secret", func(t *testing.T) {
		userID := uuid.New()
		out := &bytes.Buffer{}

		err := run([]string{"-s", "dev-secret", "-u", userID.String()}, noEnv, out)
		require.NoError(t, err)

		var token string
		for _, line := range strings.Split(out.String(), "\n") {
			if v, ok := strings.CutPrefix(line, "token="); ok {
				token = v
			}
		}
		require.NotEmpty(t, token)

		tokens, err := tokenmanager.New(tokenmanager.Config{SecretKey: "dev-secret"})
		require.NoError(t, err)
		got, err := tokens.ParseAccess(token)
		require.NoError(t, err)
		require.Equal(t, userID, got)
	})

	t.Run("secret from env", func(t *testing.T) {
		err := run(nil, func(key string) string {
			if key == "SECRET_KEY" {
				return "env-secret"
			}
			return ""
		}, &bytes.Buffer{})

		require.NoError(t, err)
	})

	t.Run("no secret", func(t *testing.T) {
		err := run(nil, noEnv, &bytes.Buffer{})

		require.Error(t, err)
	})

	t.Run("bad user id", func(t *testing.T) {
		err := run([]string{"-s", "dev-secret", "-u", "42"}, noEnv, &bytes.Buffer{})

		require.Error(t, err)
	})
}
