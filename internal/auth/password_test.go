package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePasswordStrength(t *testing.T) {
	tests := []struct {
		name     string
		password string
		want     bool
	}{
		{"meets all requirements", "Sup3rSecret", true},
		{"too short", "Ab1", false},
		{"no uppercase", "sup3rsecret", false},
		{"no lowercase", "SUP3RSECRET", false},
		{"no digit", "SuperSecret", false},
		{"exactly eight chars", "Abcdef12", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidatePasswordStrength(tt.password))
		})
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("Sup3rSecret")
	require.NoError(t, err)
	assert.NotEqual(t, "Sup3rSecret", hash)

	assert.True(t, CheckPassword("Sup3rSecret", hash))
	assert.False(t, CheckPassword("WrongPassw0rd", hash))
	assert.False(t, CheckPassword("", hash))
}
