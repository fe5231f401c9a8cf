package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileValidate(t *testing.T) {
	testCases := []struct {
		name    string
		profile Profile
		wantErr bool
	}{
		{"valid bot profile", Profile{Mode: "prod", NodeID: "bot-1", NodeKind: NodeKindBot, DSN: "postgres://x"}, false},
		{"missing dsn", Profile{Mode: "prod", NodeID: "bot-1", NodeKind: NodeKindBot}, true},
		{"missing node id", Profile{Mode: "prod", NodeKind: NodeKindBot, DSN: "postgres://x"}, true},
		{"unknown node kind", Profile{Mode: "prod", NodeID: "n", NodeKind: "router", DSN: "postgres://x"}, true},
		{"empty kind defaults to bot", Profile{Mode: "prod", NodeID: "n", DSN: "postgres://x"}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.profile.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProfileValidateNormalizesMode(t *testing.T) {
	p := Profile{Mode: "staging", NodeID: "n", NodeKind: NodeKindWeb, DSN: "postgres://x"}
	require.NoError(t, p.Validate())
	assert.Equal(t, "dev", p.Mode)
	assert.True(t, p.IsDev())
}

func TestProfileFromEnv(t *testing.T) {
	t.Setenv("DESKOPS_DSN", "postgres://env")
	t.Setenv("DESKOPS_REDIS_ADDR", "redis-1:6379")

	p := Profile{}
	p.FromEnv()

	assert.Equal(t, "postgres://env", p.DSN)
	assert.Equal(t, "redis-1:6379", p.RedisAddr)
	assert.NotEmpty(t, p.Hostname)
}
