package api

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxNameLen is the maximum length for name fields (story and category names).
const maxNameLen = 200

// maxFileNameLen is the maximum length for audio file names.
const maxFileNameLen = 255

// phoneRe validates E.164 numbers with an optional leading plus.
var phoneRe = regexp.MustCompile(`^\+?[1-9]\d{5,14}$`)

// validateStringLen checks that a string does not exceed maxLen characters.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen characters.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if strings.TrimSpace(value) == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// validatePhoneNumber checks that a number is dialable in E.164 form.
func validatePhoneNumber(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !phoneRe.MatchString(value) {
		return field + " must be an E.164 number"
	}
	return ""
}

// normalizePhoneNumber strips the leading plus; the provider reports numbers
// without it.
func normalizePhoneNumber(value string) string {
	return strings.TrimPrefix(value, "+")
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}
