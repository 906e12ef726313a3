package ispyb

import (
	"sort"
	"strings"
)

// Substitute replaces ${name} and $name references to env keys. Keys are
// tried longest first so that $ispyb_id_2 is not read as $ispyb_id
// followed by "_2". Unknown references are left as they are.
func Substitute(s string, env map[string]any) string {
	if !strings.Contains(s, "$") || len(env) == 0 {
		return s
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		value := text(env[k])
		s = strings.ReplaceAll(s, "${"+k+"}", value)
		s = strings.ReplaceAll(s, "$"+k, value)
		if !strings.Contains(s, "$") {
			break
		}
	}
	return s
}
