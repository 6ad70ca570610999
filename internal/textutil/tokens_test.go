// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"multi", "factor", "auth", "v2"}, Tokenize("Multi-Factor AUTH, v2!"))
	assert.Empty(t, Tokenize("  ...  "))
}

func TestKeywords(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"The system must encrypt data at rest", []string{"system", "encrypt", "data", "rest"}},
		{"Encryption of encryption keys", []string{"encryption", "keys"}},
		{"Section 4 of ISO 27001", []string{"section", "iso"}},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, Keywords(tt.text))
		})
	}
}

func TestMerge(t *testing.T) {
	got := Merge([]string{"Key-Rotation", "audit"}, []string{"audit logs", "rotation"})
	assert.Equal(t, []string{"key", "rotation", "audit", "logs"}, got)
}

func TestTokenSet(t *testing.T) {
	set := TokenSet("Audit audit LOGS")
	assert.Len(t, set, 2)
	assert.True(t, set["audit"])
	assert.True(t, set["logs"])
}
