package transcript

import "strings"

// ResolveLanguages maps the requested language codes through mapping and
// removes duplicates, keeping first-seen order. When list is empty the single
// code is used instead. Unmapped codes pass through unchanged.
func ResolveLanguages(list []string, single string, mapping map[string]string) []string {
	codes := list
	if len(codes) == 0 && strings.TrimSpace(single) != "" {
		codes = []string{single}
	}
	out := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		if mapped, ok := mapping[code]; ok {
			code = mapped
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}
