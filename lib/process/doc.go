// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers shared by the keystate
// binaries: reporting a fatal error before or after the logger exists,
// and mapping a command's result to an exit status.
package process
