// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package textutil normalizes free text into comparable tokens for gap
// keyword hints, relevance scoring, and search queries.
package textutil

import (
	"strings"
	"unicode"
)

// stopWords are dropped from keyword hints. The list favours words common in
// rubric descriptions that carry no topical signal.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "been": true, "by": true, "can": true, "could": true,
	"do": true, "does": true, "each": true, "for": true, "from": true,
	"has": true, "have": true, "how": true, "if": true, "in": true,
	"into": true, "is": true, "it": true, "its": true, "may": true,
	"must": true, "not": true, "of": true, "on": true, "or": true,
	"other": true, "should": true, "such": true, "that": true, "the": true,
	"their": true, "there": true, "these": true, "this": true, "those": true,
	"to": true, "using": true, "via": true, "was": true, "were": true,
	"what": true, "when": true, "where": true, "which": true, "while": true,
	"who": true, "will": true, "with": true, "within": true, "would": true,
	"all": true, "any": true, "more": true, "most": true, "also": true,
	"than": true, "then": true, "they": true, "we": true, "our": true,
	"provide": true, "provides": true, "evidence": true, "demonstrate": true,
	"demonstrates": true, "show": true, "shows": true,
}

// Tokenize lowercases text and splits it on anything that is not a letter or
// digit. Hyphenated terms split into their parts.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Keywords returns the content tokens of text: stop words, pure numbers and
// single characters removed, duplicates dropped, first-seen order kept.
func Keywords(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range Tokenize(text) {
		if len([]rune(tok)) < 2 || stopWords[tok] || isNumber(tok) || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// TokenSet returns the distinct tokens of text.
func TokenSet(text string) map[string]bool {
	toks := Tokenize(text)
	set := make(map[string]bool, len(toks))
	for _, t := range toks {
		set[t] = true
	}
	return set
}

// Merge concatenates keyword lists, normalizing each entry and dropping
// duplicates in first-seen order.
func Merge(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, kw := range list {
			for _, tok := range Keywords(kw) {
				if !seen[tok] {
					seen[tok] = true
					out = append(out, tok)
				}
			}
		}
	}
	return out
}

func isNumber(tok string) bool {
	for _, r := range tok {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
