package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordPolicy(t *testing.T) {
	strict := PasswordPolicy{MinLength: 10, RequireDigits: true, RequireMixedCase: true, RequireSpecial: true}

	tests := []struct {
		name     string
		policy   PasswordPolicy
		password string
		wantErr  []string
	}{
		{name: "default length met", password: "eightchr"},
		{name: "default length counts runes", password: "ééééééé", wantErr: []string{"at least 8 characters"}},
		{name: "strict satisfied", policy: strict, password: "Battery-42x"},
		{name: "missing digit", policy: strict, password: "Battery-staple", wantErr: []string{"contain a digit"}},
		{name: "single case", policy: strict, password: "battery-42x", wantErr: []string{"mix upper and lower case"}},
		{name: "no special", policy: strict, password: "Battery42xy", wantErr: []string{"special character"}},
		{name: "space is not special", policy: strict, password: "Battery 42x", wantErr: []string{"special character"}},
		{name: "everything wrong", policy: strict, password: "short", wantErr: []string{
			"at least 10 characters", "contain a digit", "mix upper", "special character",
		}},
		{name: "rules off by default", policy: PasswordPolicy{MinLength: 4}, password: "abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Check(tt.password)
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrWeakPassword)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}
