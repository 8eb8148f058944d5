// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// bearerToken keeps the backend token sealed in a memguard Enclave. The
// plaintext exists only while a request header is being built.
type bearerToken struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
}

// newBearerToken seals token. The caller's copy is not wiped because Go
// strings are immutable; callers should drop their reference.
func newBearerToken(token string) *bearerToken {
	if token == "" {
		return nil
	}
	return &bearerToken{enclave: memguard.NewEnclave([]byte(token))}
}

// header returns the Authorization header value.
func (b *bearerToken) header() (string, error) {
	if b == nil {
		return "", nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, err := b.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open token enclave: %w", err)
	}
	defer buf.Destroy()

	// Concatenation copies out of the locked buffer before it is destroyed.
	return "Bearer " + buf.String(), nil
}
