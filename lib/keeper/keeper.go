// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keeper

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/keystate/lib/clock"
	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/secret"
	"github.com/bureau-foundation/keystate/lib/signing"
	"github.com/bureau-foundation/keystate/lib/tholder"
)

var (
	// ErrPasscode is returned when the passcode does not open the
	// keystore.
	ErrPasscode = errors.New("keeper: wrong passcode")

	// ErrUnknownAlias is returned for an alias with no record.
	ErrUnknownAlias = errors.New("keeper: unknown alias")

	// ErrAliasExists is returned when inception reuses an alias.
	ErrAliasExists = errors.New("keeper: alias already exists")
)

// Identifier is the keystore record of one controlled identifier.
type Identifier struct {
	Alias  string       `cbor:"alias"`
	Prefix event.Prefix `cbor:"prefix"`

	KeyCount      int             `cbor:"key_count"`
	Threshold     tholder.Tholder `cbor:"threshold"`
	NextThreshold tholder.Tholder `cbor:"next_threshold"`

	// Rotation counts establishment events after inception; the
	// current keys derive from it and the committed next keys from
	// Rotation+1.
	Rotation int `cbor:"rotation"`

	Sequence uint64        `cbor:"sequence"`
	Last     digest.Digest `cbor:"last"`

	Witnesses        []event.Prefix `cbor:"witnesses,omitempty"`
	WitnessThreshold uint64         `cbor:"witness_threshold"`
	Delegator        event.Prefix   `cbor:"delegator,omitempty"`

	Created time.Time `cbor:"created"`
	Updated time.Time `cbor:"updated"`
}

// Config configures Create and Open.
type Config struct {
	Path string

	// Passcode seals the keystore. It is borrowed; the caller closes
	// it after closing the Keeper.
	Passcode *secret.Buffer

	// Tier is the argon2id cost of a new keystore. Defaults to
	// signing.TierHigh. Open reads the tier from the file.
	Tier signing.Tier

	// WorkFactor is the scrypt log2(N) used when sealing. Zero uses
	// the age default.
	WorkFactor int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Keeper is safe for concurrent use.
type Keeper struct {
	path       string
	passcode   *secret.Buffer
	workFactor int
	clock      clock.Clock
	logger     *slog.Logger

	salt *secret.Buffer
	tier signing.Tier

	mu          sync.Mutex
	identifiers map[string]*Identifier
}

// Create writes a new, empty keystore at config.Path. It fails if the
// file exists.
func Create(config Config) (*Keeper, error) {
	k, err := newKeeper(config)
	if err != nil {
		return nil, err
	}
	if k.tier = config.Tier; k.tier == "" {
		k.tier = signing.TierHigh
	}
	salter, err := signing.GenerateSalter(k.tier)
	if err != nil {
		return nil, err
	}
	if k.salt, err = secret.NewFromBytes(salter.Salt()); err != nil {
		return nil, err
	}
	if err := k.save(true); err != nil {
		k.salt.Close()
		return nil, err
	}
	k.logger.Info("keystore created", "path", k.path, "tier", k.tier)
	return k, nil
}

// Open unseals an existing keystore. A wrong passcode returns
// ErrPasscode.
func Open(config Config) (*Keeper, error) {
	k, err := newKeeper(config)
	if err != nil {
		return nil, err
	}
	if err := k.load(); err != nil {
		return nil, err
	}
	return k, nil
}

func newKeeper(config Config) (*Keeper, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("keeper: Path is required")
	}
	if config.Passcode == nil || config.Passcode.Len() == 0 {
		return nil, fmt.Errorf("keeper: Passcode is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	keeperClock := config.Clock
	if keeperClock == nil {
		keeperClock = clock.Real()
	}
	return &Keeper{
		path:        config.Path,
		passcode:    config.Passcode,
		workFactor:  config.WorkFactor,
		clock:       keeperClock,
		logger:      logger,
		identifiers: make(map[string]*Identifier),
	}, nil
}

// Close releases the salt.
func (k *Keeper) Close() error {
	if k.salt == nil {
		return nil
	}
	return k.salt.Close()
}

// Aliases lists every alias in sorted order.
func (k *Keeper) Aliases() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	aliases := make([]string, 0, len(k.identifiers))
	for alias := range k.identifiers {
		aliases = append(aliases, alias)
	}
	slices.Sort(aliases)
	return aliases
}

// Identifier returns a copy of the record for alias.
func (k *Keeper) Identifier(alias string) (Identifier, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	record, ok := k.identifiers[alias]
	if !ok {
		return Identifier{}, fmt.Errorf("%w: %q", ErrUnknownAlias, alias)
	}
	copied := *record
	copied.Witnesses = slices.Clone(record.Witnesses)
	return copied, nil
}

// signers derives the keys of one rotation of alias.
func (k *Keeper) signers(alias string, rotation, count int) ([]*signing.Signer, error) {
	salter, err := signing.NewSalter(k.salt.Bytes(), k.tier)
	if err != nil {
		return nil, err
	}
	return salter.Signers(fmt.Sprintf("%s/%d/", alias, rotation), 0, count, true)
}

func verfers(signers []*signing.Signer) []string {
	keys := make([]string, len(signers))
	for i, signer := range signers {
		keys[i] = signer.Verfer()
	}
	return keys
}

func sign(raw []byte, signers []*signing.Signer) []signing.IndexedSignature {
	signatures := make([]signing.IndexedSignature, len(signers))
	for i, signer := range signers {
		signatures[i] = signer.SignIndexed(raw, i)
	}
	return signatures
}
