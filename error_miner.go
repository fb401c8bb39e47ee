package main

import (
	"regexp"
	"slices"
	"strings"
)

// DefaultTopErrors is how many signatures are mined when no count is given.
const DefaultTopErrors = 3

// ErrorSignature is a normalized error message and how often it occurred.
type ErrorSignature struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// extractionRule captures a signature from a log line. When group is zero
// the whole match is used.
type extractionRule struct {
	name    string
	pattern *regexp.Regexp
	group   int
}

// extractionRules are tried in order and the first match wins.
var extractionRules = []extractionRule{
	{
		name:    "traceback",
		pattern: regexp.MustCompile(`(?s)Traceback \(.*?\)`),
	},
	{
		name:    "error_level",
		pattern: regexp.MustCompile(`ERROR[: ]+(.*)`),
		group:   1,
	},
}

// extractSignature returns the trimmed signature of a single line, or false
// when no rule matches.
func extractSignature(line string) (string, bool) {
	for _, rule := range extractionRules {
		match := rule.pattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		return strings.TrimSpace(match[rule.group]), true
	}
	return "", false
}

// TopErrors counts the error signatures in logs and returns the n most
// frequent. Ties keep the order in which signatures were first seen.
func TopErrors(logs []string, n int) []ErrorSignature {
	if n <= 0 {
		return nil
	}

	var signatures []ErrorSignature
	index := make(map[string]int)
	for _, line := range logs {
		signature, ok := extractSignature(line)
		if !ok {
			continue
		}
		if i, seen := index[signature]; seen {
			signatures[i].Count++
			continue
		}
		index[signature] = len(signatures)
		signatures = append(signatures, ErrorSignature{Message: signature, Count: 1})
	}

	slices.SortStableFunc(signatures, func(a, b ErrorSignature) int {
		return b.Count - a.Count
	})
	if len(signatures) > n {
		signatures = signatures[:n]
	}
	return signatures
}

// signatureMessages drops the counts, keeping rank order.
func signatureMessages(signatures []ErrorSignature) []string {
	messages := make([]string, 0, len(signatures))
	for _, signature := range signatures {
		messages = append(messages, signature.Message)
	}
	return messages
}
