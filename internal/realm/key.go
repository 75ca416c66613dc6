package realm

import "strings"

// SemanticKey identifies a logical fact independently of the realm it was
// stored in. Two entries with the same key describe the same fact, so only
// the highest-authority one survives a merge.
//
// The key is the normalized entity name joined with the fact kind:
// "Vacation Policy (HR)" + "policy" -> "vacation_policy_hr/policy".
func SemanticKey(entityName, factKind string) string {
	name := normalize(entityName)
	kind := normalize(factKind)
	if kind == "" {
		kind = "fact"
	}
	return name + "/" + kind
}

// normalize lowercases and collapses runs of non-alphanumeric characters to
// a single underscore so cosmetic naming differences across realms collide.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, c := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(c)
		default:
			pendingSep = true
		}
	}
	return b.String()
}
