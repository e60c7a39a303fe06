// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/keeper"
	"github.com/bureau-foundation/keystate/lib/tholder"
)

// inceptFile is the JSONC form of an inception, for identifiers with
// more configuration than is convenient on the command line:
//
//	{
//	  // Three keys, any two sign.
//	  "keys": 3,
//	  "threshold": "2",
//	  "witnesses": ["BJq...", "BKx..."],
//	  "witness_threshold": 2,
//	  "config": ["EO"],
//	}
type inceptFile struct {
	Keys             int      `json:"keys"`
	Threshold        string   `json:"threshold"`
	NextThreshold    string   `json:"next_threshold"`
	Witnesses        []string `json:"witnesses"`
	WitnessThreshold uint64   `json:"witness_threshold"`
	Config           []string `json:"config"`
	Delegator        string   `json:"delegator"`
	Anchors          []string `json:"anchors"`
}

// parseInceptFile strips comments and trailing commas and decodes the
// result. Unknown fields are an error so a misspelled key does not
// silently fall back to a default.
func parseInceptFile(data []byte) (keeper.InceptOptions, error) {
	var file inceptFile
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&file); err != nil {
		return keeper.InceptOptions{}, fmt.Errorf("parsing inception file: %w", err)
	}
	return file.options()
}

func readInceptFile(path string) (keeper.InceptOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return keeper.InceptOptions{}, fmt.Errorf("reading %s: %w", path, err)
	}
	options, err := parseInceptFile(data)
	if err != nil {
		return options, fmt.Errorf("%s: %w", path, err)
	}
	return options, nil
}

func (f inceptFile) options() (keeper.InceptOptions, error) {
	options := keeper.InceptOptions{
		KeyCount:         f.Keys,
		WitnessThreshold: f.WitnessThreshold,
		Config:           f.Config,
		Delegator:        event.Prefix(f.Delegator),
	}
	var err error
	if options.Threshold, err = parseThreshold(f.Threshold); err != nil {
		return options, err
	}
	if options.NextThreshold, err = parseThreshold(f.NextThreshold); err != nil {
		return options, err
	}
	options.Witnesses = toPrefixes(f.Witnesses)
	if options.Anchors, err = parseSeals(f.Anchors); err != nil {
		return options, err
	}
	return options, nil
}

// parseThreshold parses canonical threshold text. Empty leaves the
// keeper's default in place.
func parseThreshold(text string) (tholder.Tholder, error) {
	if text == "" {
		return tholder.Tholder{}, nil
	}
	threshold, err := tholder.Parse(text)
	if err != nil {
		return tholder.Tholder{}, fmt.Errorf("threshold %q: %w", text, err)
	}
	return threshold, nil
}

func toPrefixes(values []string) []event.Prefix {
	if len(values) == 0 {
		return nil
	}
	prefixes := make([]event.Prefix, 0, len(values))
	for _, value := range values {
		prefixes = append(prefixes, event.Prefix(value))
	}
	return prefixes
}

// parseSeal parses "prefix:sn:said", the form seals take on the
// command line.
func parseSeal(text string) (event.Seal, error) {
	parts := strings.Split(text, ":")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return event.Seal{}, fmt.Errorf("seal %q: want prefix:sn:said", text)
	}
	sequence, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return event.Seal{}, fmt.Errorf("seal %q: sequence number: %w", text, err)
	}
	return event.Seal{Prefix: event.Prefix(parts[0]), Sequence: sequence, SAID: digest.Digest(parts[2])}, nil
}

func parseSeals(values []string) ([]event.Seal, error) {
	var seals []event.Seal
	for _, value := range values {
		seal, err := parseSeal(value)
		if err != nil {
			return nil, err
		}
		seals = append(seals, seal)
	}
	return seals, nil
}
