package strutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrListContains(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	scopes := []string{"openid", "email", "profile", "offline_access"}
	assert.False(StrListContains(scopes, "User.Read"))
	assert.True(StrListContains(scopes, "offline_access"))
	assert.False(StrListContains(nil, "openid"))
}

func TestRemoveDuplicatesStable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name            string
		input           []string
		want            []string
		caseInsensitive bool
	}{
		{"empty", []string{}, []string{}, false},
		{"openid-repeated", []string{"openid", "email", "openid"}, []string{"openid", "email"}, false},
		{"case-sensitive", []string{"User.Read", "user.read"}, []string{"User.Read", "user.read"}, false},
		{"case-insensitive", []string{"User.Read", "user.read", "Mail.Read"}, []string{"User.Read", "Mail.Read"}, true},
		{"blank-dropped", []string{" ", "email", "", "email"}, []string{"email"}, false},
		{"trimmed", []string{"email ", " email", "profile"}, []string{"email ", "profile"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RemoveDuplicatesStable(tt.input, tt.caseInsensitive))
		})
	}
}
