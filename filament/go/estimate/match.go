package estimate

import (
	"strings"
)

const candidateSuffix = ".gcode.3mf"

// BestCandidate picks the listed *.gcode.3mf file that best matches the
// subtask name. Returns the chosen name and whether it was an exact match.
//
// Scoring: exact stem match wins outright; otherwise a substring match in
// either direction, then token overlap on the normalized names.
func BestCandidate(names []string, subtaskName string) (string, bool) {
	want := normalizeName(subtaskName)
	best := ""
	bestScore := 0
	for _, name := range names {
		if !strings.HasSuffix(strings.ToLower(name), candidateSuffix) {
			continue
		}
		stem := normalizeName(strings.TrimSuffix(name, candidateSuffix))
		if want != "" && stem == want {
			return name, true
		}
		score := matchScore(stem, want)
		// A lone candidate is still worth trying.
		if score == 0 && best == "" {
			best = name
			continue
		}
		if score > bestScore {
			best = name
			bestScore = score
		}
	}
	return best, false
}

func matchScore(stem, want string) int {
	if want == "" || stem == "" {
		return 0
	}
	if strings.Contains(stem, want) || strings.Contains(want, stem) {
		return 100
	}
	overlap := 0
	wantTokens := strings.Fields(want)
	for _, tok := range wantTokens {
		if strings.Contains(stem, tok) {
			overlap++
		}
	}
	return overlap
}

// normalizeName lowercases and collapses non-alphanumerics to single
// spaces so "My-Benchy_v2" and "my benchy v2" compare equal.
func normalizeName(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(strings.TrimSuffix(s, candidateSuffix)) {
		alnum := r >= 'a' && r <= 'z' || r >= '0' && r <= '9'
		if alnum {
			b.WriteRune(r)
			lastSpace = false
		} else if !lastSpace {
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}
