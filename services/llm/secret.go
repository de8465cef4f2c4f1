// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// minMlockLimitKB is the smallest RLIMIT_MEMLOCK under which enclaves are
// reliably locked in memory.
const minMlockLimitKB = 64

// DefaultSecretPath is where container runtimes mount the API key secret.
const DefaultSecretPath = "/run/secrets/openai_api_key"

var (
	memguardInitOnce sync.Once

	// ErrSecretDestroyed is returned by Use after Destroy.
	ErrSecretDestroyed = errors.New("secret destroyed")
)

// SecretKey holds an API key sealed in a memguard enclave so that it is
// encrypted at rest in process memory and never printed.
//
// # Thread Safety
//
// Safe for concurrent use.
type SecretKey struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
}

// NewSecretKey seals value. An empty value yields nil.
func NewSecretKey(value string) *SecretKey {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	initMemguard()
	return &SecretKey{enclave: memguard.NewEnclave([]byte(value))}
}

// LoadSecretKey reads the key from the environment variable envName, or
// from the file at path when the variable is unset. It returns nil when
// neither is available.
func LoadSecretKey(envName, path string) *SecretKey {
	if v := os.Getenv(envName); v != "" {
		return NewSecretKey(v)
	}
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	slog.Info("Read API key from secret file", "path", path)
	key := NewSecretKey(string(data))
	memguard.WipeBytes(data)
	return key
}

// Use opens the enclave and passes the plaintext to fn. The string is only
// valid until fn returns; callers that must keep it copy it.
func (k *SecretKey) Use(fn func(string) error) error {
	k.mu.Lock()
	enclave := k.enclave
	k.mu.Unlock()
	if enclave == nil {
		return ErrSecretDestroyed
	}
	buf, err := enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(strings.Clone(buf.String()))
}

// Destroy drops the enclave.
func (k *SecretKey) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.enclave = nil
}

// String never reveals the key.
func (k *SecretKey) String() string {
	return "[redacted]"
}

// LogValue keeps the key out of structured logs.
func (k *SecretKey) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		ok, limitKB := checkMlockLimit()
		if !ok {
			slog.Warn("mlock limit low, API key memory may be swappable",
				"current_limit_kb", limitKB,
				"required_kb", minMlockLimitKB)
		}
	})
}

// checkMlockLimit reports whether RLIMIT_MEMLOCK is large enough, and the
// current limit in KB (-1 when unlimited or unknown).
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}
