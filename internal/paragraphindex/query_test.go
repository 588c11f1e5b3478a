// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package paragraphindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	toks := tokenize(`fox "lazy dog" -cat "single"`)
	require.Len(t, toks, 4)
	require.Equal(t, tokLiteral, toks[0].kind)
	require.Equal(t, "fox", toks[0].text)
	require.Equal(t, tokQuoted, toks[1].kind)
	require.Equal(t, "lazy dog", toks[1].text)
	require.Equal(t, tokExcluded, toks[2].kind)
	require.Equal(t, "cat", toks[2].text)
	require.Equal(t, tokQuoted, toks[3].kind)
	require.Equal(t, "single", toks[3].text)
}

func TestFilterStopWordsKeepsNonEmpty(t *testing.T) {
	toks := tokenize("the fox")
	filtered := filterStopWords(toks, "en")
	require.Len(t, filtered, 1)
	require.Equal(t, "fox", filtered[0].text)
}

func TestFilterStopWordsNeverEmptiesResult(t *testing.T) {
	toks := tokenize("the")
	filtered := filterStopWords(toks, "en")
	require.Len(t, filtered, 1, "an all-stop-word query must not be filtered to empty")
}
