package roster

import "strings"

// Filter derives the sidebar list from the raw contact and group collections.
// The query matches case-insensitively against display name and email, the
// domain predicate is an exact match on a contact's declared domain (groups
// carry no domain and are unaffected), and the signed-in user never appears
// in their own roster. Contacts are listed before groups, each in input order.
// Pure: safe to re-run on every keystroke.
func Filter(contacts []Contact, groups []Group, query, domain string, selfID int64) []Entry {
	q := strings.ToLower(strings.TrimSpace(query))

	var out []Entry
	for _, c := range contacts {
		if c.ID == selfID {
			continue
		}
		if domain != "" && c.Domain != domain {
			continue
		}
		if q != "" && !matches(q, c.DisplayName(), c.Email) {
			continue
		}
		out = append(out, c)
	}
	for _, g := range groups {
		if q != "" && !matches(q, g.Name) {
			continue
		}
		out = append(out, g)
	}
	return out
}

func matches(q string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}
