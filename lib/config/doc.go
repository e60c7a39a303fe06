// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration shared by the keystate
// daemon and CLI.
//
// Configuration comes from one file named by the KEYSTATE_CONFIG
// environment variable ([Load]) or a --config flag ([LoadFile]). There
// is no discovery and no fallback search: what the file says is what
// runs.
//
// A file may carry development, staging, and production sections that
// override base values when [Config].Environment matches. Production
// without a section of its own gets stricter defaults: JSON logs and
// the high key-stretching tier.
//
// Path and socket fields expand ${HOME}, ${KEYSTATE_ROOT}, and
// ${VAR:-default} after loading.
package config
