package dto

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/cesargomez89/capsulecache/internal/constants"
	"github.com/cesargomez89/capsulecache/internal/domain"
)

var sha256Regex = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) ToMap() map[string]string {
	return map[string]string{e.Field: e.Message}
}

func ToMap(errs []ValidationError) map[string]string {
	result := make(map[string]string)
	for _, e := range errs {
		result[e.Field] = e.Message
	}
	return result
}

func ToResponse(errs []ValidationError) string {
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func validateCapsuleID(id int64) []ValidationError {
	var errs []ValidationError
	if id <= 0 {
		errs = append(errs, ValidationError{Field: "capsule_id", Message: "must be a positive integer"})
	}
	return errs
}

func validateFileType(fileType string) []ValidationError {
	var errs []ValidationError
	if fileType == "" {
		errs = append(errs, ValidationError{Field: "file_type", Message: "is required"})
	} else if !domain.FileType(fileType).Valid() {
		errs = append(errs, ValidationError{Field: "file_type", Message: "must be one of preview, wav, rpp, audio_folder, other"})
	}
	return errs
}

// validateRemoteURL accepts absolute http(s) and s3 URLs.
func validateRemoteURL(raw string) []ValidationError {
	var errs []ValidationError
	if raw == "" {
		return append(errs, ValidationError{Field: "remote_url", Message: "is required"})
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" {
		return append(errs, ValidationError{Field: "remote_url", Message: "invalid URL format"})
	}
	switch u.Scheme {
	case "http", "https", "s3":
	default:
		errs = append(errs, ValidationError{Field: "remote_url", Message: "scheme must be http, https or s3"})
	}
	return errs
}

func validateHash(hash string) []ValidationError {
	var errs []ValidationError
	if hash != "" && !sha256Regex.MatchString(hash) {
		errs = append(errs, ValidationError{Field: "remote_hash", Message: "must be a hex-encoded SHA-256 digest"})
	}
	return errs
}

func validatePriority(priority *int) []ValidationError {
	var errs []ValidationError
	if priority != nil {
		if *priority < constants.MinPriority || *priority > constants.MaxPriority {
			errs = append(errs, ValidationError{Field: "priority", Message: fmt.Sprintf("must be between %d and %d", constants.MinPriority, constants.MaxPriority)})
		}
	}
	return errs
}

func validateNonNegative(field string, v *int64) []ValidationError {
	var errs []ValidationError
	if v != nil && *v < 0 {
		errs = append(errs, ValidationError{Field: field, Message: "must not be negative"})
	}
	return errs
}
