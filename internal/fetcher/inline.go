package fetcher

import (
	"encoding/base64"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// dataURLPattern matches the data URL header older backends prepended to
// inline media.
var dataURLPattern = regexp.MustCompile(`(?i)^data:(?:image|video)/[^;]+;base64,`)

// source is where a device record's photo or video field points.
type source struct {
	// Name is the registry filename to download, empty for inline data.
	Name string
	// Inline holds the decoded bytes of an inline payload.
	Inline []byte
}

// resolveField interprets a photo or video field. Values that look like a
// file reference (a name with an extension, a path or a URL) resolve to the
// registry file of that base name. Anything else must be inline base64,
// optionally behind a data URL header, in the standard or URL-safe
// alphabet with or without padding.
func resolveField(value string) (source, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return source{}, fmt.Errorf("%w: empty media reference", ErrDecode)
	}

	if dataURLPattern.MatchString(value) {
		data, err := decodeInline(dataURLPattern.ReplaceAllString(value, ""))
		if err != nil {
			return source{}, err
		}
		return source{Inline: data}, nil
	}

	if isReference(value) {
		ref, _, _ := strings.Cut(value, "?")
		name := path.Base(ref)
		if strings.HasSuffix(ref, "/") || name == "." || name == ".." {
			return source{}, fmt.Errorf("%w: reference %q has no file name", ErrDecode, value)
		}
		return source{Name: name}, nil
	}

	data, err := decodeInline(value)
	if err != nil {
		return source{}, err
	}
	return source{Inline: data}, nil
}

// isReference reports whether value names a file rather than carrying it.
// The base64 alphabets contain no '.', so a dot marks a file name.
func isReference(value string) bool {
	for _, prefix := range []string{"http://", "https://", "/", "./", "../"} {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return strings.Contains(value, ".")
}

// decodeInline decodes base64 strictly after mapping the URL-safe alphabet
// onto the standard one and repairing padding.
func decodeInline(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}

	data, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	return data, nil
}
