// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package stopwords holds the per-language stop-word lists the paragraph
// index's query pipeline filters literal tokens against (spec.md §4.3
// step 2). Lists are intentionally short, common-word sets; this is a
// feature nidx_paragraph's Rust implementation carries that the
// distilled spec mentions but the original crate only partially ported,
// so only a handful of languages are seeded here and callers fall back
// to English for anything unrecognized.
package stopwords

import "golang.org/x/text/unicode/norm"

var lists = map[string]map[string]struct{}{
	"en": set("a", "an", "and", "are", "as", "at", "be", "by", "for", "from",
		"has", "he", "in", "is", "it", "its", "of", "on", "that", "the",
		"to", "was", "were", "will", "with"),
	"es": set("el", "la", "los", "las", "un", "una", "unos", "unas", "y",
		"o", "de", "del", "en", "que", "a", "por", "para", "con", "es"),
	"ca": set("el", "la", "els", "les", "un", "una", "uns", "unes", "i",
		"o", "de", "del", "en", "que", "a", "per", "amb", "es"),
}

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// For returns the stop-word set for lang, falling back to English.
func For(lang string) map[string]struct{} {
	if l, ok := lists[lang]; ok {
		return l
	}
	return lists["en"]
}

// Is reports whether word (already lowercased) is a stop word for lang.
// Input is NFC-normalized first so accented forms match consistently.
func Is(lang, word string) bool {
	_, ok := For(lang)[norm.NFC.String(word)]
	return ok
}
