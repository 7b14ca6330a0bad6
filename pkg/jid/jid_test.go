package jid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		local    string
		domain   string
		resource string
		wantErr  bool
	}{
		{"full", "alice@example.org/laptop", "alice", "example.org", "laptop", false},
		{"bare", "bob@example.org", "bob", "example.org", "", false},
		{"domain only", "conference.example.org", "", "conference.example.org", "", false},
		{"room occupant", "room@conference.example.org/carol", "room", "conference.example.org", "carol", false},
		{"empty", "", "", "", "", true},
		{"whitespace", "   ", "", "", "", true},
		{"missing domain", "alice@", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.local, j.Local)
			assert.Equal(t, tt.domain, j.Domain)
			assert.Equal(t, tt.resource, j.Resource)
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, addr := range []string{
		"alice@example.org/laptop",
		"bob@example.org",
		"example.org",
	} {
		j, err := Parse(addr)
		require.NoError(t, err)
		assert.Equal(t, addr, j.String())
	}
}

func TestBareAndEquality(t *testing.T) {
	laptop := MustParse("alice@example.org/laptop")
	phone := MustParse("alice@example.org/phone")

	assert.Equal(t, "alice@example.org", laptop.Base())
	assert.True(t, laptop.Bare().IsBare())
	assert.False(t, laptop.IsBare())

	assert.True(t, laptop.Equal(phone), "bare identities should match")
	assert.False(t, laptop.StrictlyEqual(phone), "resources differ")
	assert.True(t, laptop.StrictlyEqual(MustParse("alice@example.org/laptop")))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, MustParse("alice@example.org").Validate())
	assert.Error(t, JID{Local: "alice"}.Validate())
	assert.Error(t, JID{Local: "a@b", Domain: "example.org"}.Validate())
	assert.True(t, JID{}.IsZero())
}
