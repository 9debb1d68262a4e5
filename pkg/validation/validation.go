package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// EmailRegex validates email format
	EmailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

	// ChannelNameRegex matches generated media channel names
	ChannelNameRegex = regexp.MustCompile(`^stream_[a-zA-Z0-9_-]{1,64}$`)
)

const (
	MaxTitleLength       = 120
	MaxDescriptionLength = 2000
)

// ValidateEmail validates email address
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if len(email) > 254 {
		return fmt.Errorf("email is too long (max 254 characters)")
	}
	if !EmailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

// ValidatePassword validates password
func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("password is required")
	}
	if len(password) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}
	// bcrypt ignores anything past 72 bytes
	if len(password) > 72 {
		return fmt.Errorf("password is too long (max 72 bytes)")
	}
	return nil
}

func ValidateStreamTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title is required")
	}
	if !utf8.ValidString(title) {
		return fmt.Errorf("title contains invalid characters")
	}
	return ValidateStringLength(title, 1, MaxTitleLength, "title")
}

func ValidateDescription(description string) error {
	if !utf8.ValidString(description) {
		return fmt.Errorf("description contains invalid characters")
	}
	return ValidateStringLength(description, 0, MaxDescriptionLength, "description")
}

func ValidateChannelName(name string) error {
	if name == "" {
		return fmt.Errorf("channel name is required")
	}
	if !ChannelNameRegex.MatchString(name) {
		return fmt.Errorf("invalid channel name format")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateStringLength validates string length in runes
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
