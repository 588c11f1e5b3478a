// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package paragraphindex

import "encoding/json"

// Config is a paragraph index's configuration, stored as the owning
// catalog.Index row's JSON configuration blob: just the language the
// query pipeline's stop-word list and tokenizer should use.
type Config struct {
	Lang string `json:"lang"`
}

// ParseConfig decodes a catalog.Index.Configuration blob, defaulting Lang
// to English when absent.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var c Config
	if len(raw) == 0 {
		return Config{Lang: "en"}, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return Config{}, err
	}
	if c.Lang == "" {
		c.Lang = "en"
	}
	return c, nil
}
