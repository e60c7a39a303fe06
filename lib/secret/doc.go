// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds keystore passcodes and key salts outside the Go
// heap.
//
// A [Buffer] is an anonymous mmap region excluded from core dumps and,
// where the memlock limit allows, locked against swap. Close zeros and
// unmaps it; any later access panics. [ReadFromPath] and [ReadTerminal]
// load a passcode straight into a Buffer.
package secret
