/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package openpgp is the out-of-core OpenPGP engine: key import under the
// server's acceptance policy, HKP-style lookup/export, and detached response
// signing. The core never links against it directly; it is invoked through
// the pipe-based worker contract in worker.go, matching how the legacy
// daemon shelled out to gpg rather than linking a crypto library into the
// connection engine's address space.
package openpgp

import (
	"bytes"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/openpgp"

	liberr "thttpgpd/errors"
)

// Keyring is a file-backed, in-memory entity list guarded by a single
// mutex: imports and lookups both run on worker goroutines/processes, never
// on the connection engine's loop, so a plain lock is appropriate here
// (unlike the core, which never takes one).
type Keyring struct {
	mu   sync.RWMutex
	path string
	keys openpgp.EntityList
}

// LoadKeyring reads an armored keyring file, creating an empty one if path
// does not yet exist.
func LoadKeyring(path string) (*Keyring, liberr.Error) {
	k := &Keyring{path: path}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return k, nil
	}
	if err != nil {
		return nil, ErrorKeyringLoad.Error(err)
	}
	defer func() { _ = f.Close() }()

	list, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, ErrorKeyringLoad.Error(err)
	}
	k.keys = list

	return k, nil
}

// Save rewrites the keyring file atomically (write to a temp file, then
// rename) so a crash mid-write cannot leave a truncated keyring behind.
func (k *Keyring) Save() liberr.Error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	tmp := k.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return ErrorKeyringSave.Error(err)
	}

	for _, ent := range k.keys {
		if wErr := ent.Serialize(f); wErr != nil {
			_ = f.Close()
			return ErrorKeyringSave.Error(wErr)
		}
	}

	if err = f.Close(); err != nil {
		return ErrorKeyringSave.Error(err)
	}
	if err = os.Rename(tmp, k.path); err != nil {
		return ErrorKeyringSave.Error(err)
	}

	return nil
}

// Add appends ent if no entity with the same primary key fingerprint is
// already present, returning whether it was newly added.
func (k *Keyring) Add(ent *openpgp.Entity) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, have := range k.keys {
		if bytes.Equal(have.PrimaryKey.Fingerprint[:], ent.PrimaryKey.Fingerprint[:]) {
			return false
		}
	}
	k.keys = append(k.keys, ent)
	return true
}

// Find returns every entity with an identity whose Name, Comment or Email
// contains search (case-sensitive substring, matching how the legacy
// keyserver's index/vindex/get operations scan uids).
func (k *Keyring) Find(search string) openpgp.EntityList {
	k.mu.RLock()
	defer k.mu.RUnlock()

	var out openpgp.EntityList
	for _, ent := range k.keys {
		for _, id := range ent.Identities {
			if containsNonEmpty(id.Name, search) || containsNonEmpty(id.UserId.Comment, search) || containsNonEmpty(id.UserId.Email, search) {
				out = append(out, ent)
				break
			}
		}
	}
	return out
}

// All returns every entity, for op=index with an empty search term.
func (k *Keyring) All() openpgp.EntityList {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append(openpgp.EntityList(nil), k.keys...)
}

func containsNonEmpty(s, substr string) bool {
	if substr == "" {
		return false
	}
	return strings.Contains(s, substr)
}
