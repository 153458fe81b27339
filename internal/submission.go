package internal

import (
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var allowedContentTypes = map[string]bool{
	"video/mp4":        true,
	"video/avi":        true,
	"video/x-msvideo":  true,
	"video/mov":        true,
	"video/quicktime":  true,
	"video/mkv":        true,
	"video/x-matroska": true,
}

// ValidateSubmission checks every submission rule and returns the parsed
// sequence number. All violations are reported together in a *ValidationError.
func ValidateSubmission(sub Submission, maxBytes int64) (int, error) {
	var problems []string

	name := strings.TrimSpace(sub.AssetName)
	switch {
	case name == "":
		problems = append(problems, "asset name is required")
	case slugify(name) == "":
		problems = append(problems, "asset name must contain at least one letter or digit")
	}

	seq, err := strconv.Atoi(strings.TrimSpace(sub.SequenceNumber))
	if err != nil || seq <= 0 {
		problems = append(problems, "sequence number must be a positive integer")
	}

	if sub.File == nil {
		problems = append(problems, "video file is required")
	} else {
		if !isAllowedContentType(sub.File.ContentType) {
			problems = append(problems, fmt.Sprintf("unsupported media type %q: allowed formats are MP4, AVI, MOV, MKV", sub.File.ContentType))
		}
		if sub.File.Size > maxBytes {
			problems = append(problems, fmt.Sprintf("file is too large: %d bytes exceeds the %d byte limit", sub.File.Size, maxBytes))
		}
		if sub.File.Size == 0 {
			problems = append(problems, "video file is empty")
		}
	}

	if sub.WebhookURI != nil && !isWebhookURL(*sub.WebhookURI) {
		problems = append(problems, "webhook URL must be an absolute http or https URL")
	}

	if len(problems) > 0 {
		return 0, &ValidationError{Problems: problems}
	}
	return seq, nil
}

func isAllowedContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return allowedContentTypes[mediaType]
}

func isWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// GenerateCode derives the output code for an asset, e.g. "My Show!", 3 ->
// "my-show-3".
func GenerateCode(assetName string, sequenceNumber int) string {
	return slugify(assetName) + "-" + strconv.Itoa(sequenceNumber)
}

func slugify(s string) string {
	// The chain is stateful, so it is built per call.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_':
			pendingHyphen = true
		}
	}
	return b.String()
}
