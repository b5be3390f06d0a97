package parser

import "strings"

var delimiterCandidates = []rune{',', ';', '\t', '|'}

// delimiterSampleLines is how many non-empty lines the sniffer scores.
const delimiterSampleLines = 10

// SniffDelimiter scores each candidate by column-count consistency across
// the first sampled lines. A candidate that yields the same column count on
// every sampled row earns a consistency bonus.
func SniffDelimiter(text string) rune {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) >= delimiterSampleLines {
			break
		}
	}
	if len(lines) == 0 {
		return ','
	}

	best := ','
	bestScore := -1
	for _, cand := range delimiterCandidates {
		counts := make(map[int]int)
		total := 0
		for _, line := range lines {
			n := strings.Count(line, string(cand)) + 1
			counts[n]++
			total += n - 1
		}
		if total == 0 {
			continue
		}
		// Base score: occurrences. Consistency: all rows agree on columns.
		score := total
		if len(counts) == 1 {
			for cols := range counts {
				if cols > 1 {
					score += 100 * cols
				}
			}
		}
		if score > bestScore {
			bestScore = score
			best = cand
		}
	}
	return best
}
