package manifest

import (
	"os"
	"strings"

	"github.com/alexsergivan/transliterator"
	"github.com/pkg/errors"
)

const maxTagLength = 128

var translit = transliterator.NewTransliterator(nil)

// SanitizeTags expands ${VAR} references and maps every tag onto the OCI tag
// alphabet [A-Za-z0-9_.-]. Empty results and duplicates are dropped.
func SanitizeTags(tags []string) ([]string, error) {
	res := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, raw := range tags {
		tag := SanitizeTag(os.ExpandEnv(raw))
		if tag == "" {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			return nil, errors.Errorf("Tag %q is empty after sanitizing", raw)
		}
		if seen[tag] {
			continue
		}
		seen[tag] = true
		res = append(res, tag)
	}
	return res, nil
}

func SanitizeTag(tag string) string {
	tag = translit.Transliterate(strings.TrimSpace(tag), "en")
	tag = strings.Map(func(ch rune) rune {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			return ch
		case ch == '_', ch == '.', ch == '-':
			return ch
		case ch == ' ', ch == '/', ch == ':', ch == '+':
			return '-'
		}
		return -1
	}, tag)
	// A tag must not start with a period or a dash.
	tag = strings.TrimLeft(tag, ".-")
	if len(tag) > maxTagLength {
		tag = tag[:maxTagLength]
	}
	return tag
}
