package validation

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name    string
		email   string
		wantErr bool
	}{
		{"valid email", "user@example.com", false},
		{"valid email with subdomain", "user@mail.example.com", false},
		{"valid with plus", "user+tag@example.com", false},
		{"empty email", "", true},
		{"invalid format", "invalid-email", true},
		{"missing @", "userexample.com", true},
		{"too long", strings.Repeat("a", 250) + "@example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmail(tt.email)
			assert.Equal(t, tt.wantErr, err != nil, "ValidateEmail(%q) = %v", tt.email, err)
		})
	}
}

func TestValidatePassword(t *testing.T) {
	assert.NoError(t, ValidatePassword("secret1"))
	assert.Error(t, ValidatePassword(""))
	assert.Error(t, ValidatePassword("abc"))
	assert.Error(t, ValidatePassword(strings.Repeat("x", 73)))
}

func TestValidateStreamTitle(t *testing.T) {
	assert.NoError(t, ValidateStreamTitle("Sunday service"))
	assert.Error(t, ValidateStreamTitle("   "))
	assert.Error(t, ValidateStreamTitle(strings.Repeat("a", MaxTitleLength+1)))
	assert.Error(t, ValidateStreamTitle("bad\xff"))
}

func TestValidateDescription(t *testing.T) {
	assert.NoError(t, ValidateDescription(""))
	assert.Error(t, ValidateDescription(strings.Repeat("a", MaxDescriptionLength+1)))
}

func TestValidateChannelName(t *testing.T) {
	assert.NoError(t, ValidateChannelName("stream_"+uuid.NewString()))
	assert.Error(t, ValidateChannelName(""))
	assert.Error(t, ValidateChannelName("channel-1"))
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("ws://localhost:8081/ws"))
	assert.Error(t, ValidateURL("ftp://host"))
	assert.Error(t, ValidateURL("http://"))
}
