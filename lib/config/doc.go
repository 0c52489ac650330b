// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads courier's configuration file.
//
// Configuration comes from a single file named by either the
// COURIER_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no discovery and no fallback location.
// The file may be YAML (.yaml, .yml) or JSON with comments and
// trailing commas (.json, .jsonc); both are decoded over [Default], so
// a file only needs the values it changes.
//
// A development or production section overrides base values when
// [Config].Environment matches it.
//
// Credentials and URLs support ${VAR} and ${VAR:-default} expansion
// after loading, so secrets can live in the environment instead of
// the file. No other environment variables affect configuration.
//
// [Config.Validate] checks what every command needs;
// [Config.ValidateServe] adds the Matrix settings the bot requires.
// Both report every problem at once.
//
// This package depends on no other courier packages.
package config
