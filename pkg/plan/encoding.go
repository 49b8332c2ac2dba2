package plan

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

var charmaps = map[string]encoding.Encoding{
	"latin-1":      charmap.ISO8859_1,
	"latin1":       charmap.ISO8859_1,
	"iso-8859-1":   charmap.ISO8859_1,
	"cp1252":       charmap.Windows1252,
	"windows-1252": charmap.Windows1252,
}

// decode tries each encoding in order and returns the first clean decode.
func decode(data []byte, encodings []string) (string, error) {
	var tried []string
	for _, name := range encodings {
		key := strings.ToLower(strings.TrimSpace(name))

		if key == "utf-8" || key == "utf8" {
			if utf8.Valid(data) {
				return string(data), nil
			}
			tried = append(tried, name)
			continue
		}

		enc, ok := charmaps[key]
		if !ok {
			return "", fmt.Errorf("unknown encoding %q", name)
		}

		out, err := enc.NewDecoder().Bytes(data)
		if err != nil || strings.ContainsRune(string(out), utf8.RuneError) {
			tried = append(tried, name)
			continue
		}
		return string(out), nil
	}

	return "", fmt.Errorf("file could not be decoded as any of %s", strings.Join(tried, ", "))
}
