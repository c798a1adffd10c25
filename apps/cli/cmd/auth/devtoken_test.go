package auth

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDevTokenPrintsUnsignedToken(t *testing.T) {
	cmd := Command()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"devtoken",
		"--project-id", "hospital-dev",
		"--user-id", "u-1",
		"--email", "nurse@example.com",
		"--tenant", "st-marys",
	})

	require.NoError(t, cmd.Execute())

	token := strings.TrimSpace(out.String())
	parts := strings.Split(token, ".")
	require.GreaterOrEqual(t, len(parts), 2)

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(raw, &claims))
	require.Equal(t, "hospital-dev", claims["aud"])
	require.Equal(t, "nurse@example.com", claims["email"])
}

func TestDevTokenRequiresTenantForStaff(t *testing.T) {
	cmd := Command()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"devtoken", "--project-id", "p", "--user-id", "u", "--email", "a@b.c"})
	require.Error(t, cmd.Execute())
}
