package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	maxIDLength      = 128
	maxContentLength = 10000
	maxQueryLength   = 100
	maxBulkIDs       = 500
)

// ValidateID validates a server-issued resource id used in a path segment.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if len(id) > maxIDLength {
		return errors.New("id exceeds maximum length")
	}
	if strings.ContainsAny(id, "/?# ") {
		return errors.New("id contains invalid characters")
	}
	return nil
}

// ValidateIDs validates a bulk id list.
func ValidateIDs(ids []string) error {
	if len(ids) == 0 {
		return errors.New("ids cannot be empty")
	}
	if len(ids) > maxBulkIDs {
		return errors.New("too many ids")
	}
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			return err
		}
	}
	return nil
}

// ValidateMessageContent validates message content. Empty content is
// allowed when a file is attached.
func ValidateMessageContent(content, fileURL string) error {
	if strings.TrimSpace(content) == "" && fileURL == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateSearchQuery validates a user search query.
func ValidateSearchQuery(query string) error {
	if len(query) > maxQueryLength {
		return errors.New("query exceeds maximum length")
	}
	if !utf8.ValidString(query) {
		return errors.New("query must be valid UTF-8")
	}
	return nil
}
