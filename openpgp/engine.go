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

package openpgp

import (
	"bytes"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	liberr "thttpgpd/errors"
)

// Engine is the process-wide OpenPGP facility: one keyring for accepted
// public keys plus, optionally, one private key used to sign responses.
type Engine struct {
	keyring *Keyring
	signer  *openpgp.Entity
}

// NewEngine wraps an already-loaded keyring. signer may be nil, in which
// case Sign always fails with ErrorSignKeyMissing.
func NewEngine(keyring *Keyring, signer *openpgp.Entity) *Engine {
	return &Engine{keyring: keyring, signer: signer}
}

// NewEngineFromFiles is the entrypoint-facing constructor: it loads (or
// creates) the keyring at keyringPath and, if signingKeyPath is non-empty,
// the signing key at signingKeyPath, without requiring the caller to
// depend on golang.org/x/crypto/openpgp's Entity type directly.
func NewEngineFromFiles(keyringPath, signingKeyPath string, passphrase []byte) (*Engine, liberr.Error) {
	kr, err := LoadKeyring(keyringPath)
	if err != nil {
		return nil, err
	}

	var signer *openpgp.Entity
	if signingKeyPath != "" {
		raw, rerr := os.ReadFile(signingKeyPath)
		if rerr != nil {
			return nil, ErrorKeyringLoad.Error(rerr)
		}
		signer, err = LoadSigningKey(raw, passphrase)
		if err != nil {
			return nil, err
		}
	}

	return NewEngine(kr, signer), nil
}

// LoadSigningKey reads an armored private key, unlocking it with
// passphrase if it is passphrase-protected.
func LoadSigningKey(armored []byte, passphrase []byte) (*openpgp.Entity, liberr.Error) {
	block, err := armor.Decode(bytes.NewReader(armored))
	if err != nil {
		return nil, ErrorImportDecode.Error(err)
	}

	ent, err := openpgp.ReadEntity(packet.NewReader(block.Body))
	if err != nil {
		return nil, ErrorImportDecode.Error(err)
	}

	if ent.PrivateKey != nil && ent.PrivateKey.Encrypted {
		if len(passphrase) == 0 {
			return nil, ErrorSignKeyMissing.Error(nil)
		}
		if err = ent.PrivateKey.Decrypt(passphrase); err != nil {
			return nil, ErrorSign.Error(err)
		}
	}

	return ent, nil
}

// ImportResult reports, per submitted entity, whether it was accepted
// under the import policy.
type ImportResult struct {
	Accepted int
	Rejected int
}

// AllAccepted reports whether every submitted key satisfied the policy,
// used to choose between a plain 200 and the keyserver's 202 "some key(s)
// was rejected" response.
func (r ImportResult) AllAccepted() bool {
	return r.Rejected == 0
}

// Import decodes an armored or binary key submission and admits every
// entity it contains whose identities pass the acceptance policy. An
// entity with no admitted identity is silently dropped, not added, so the
// keyring never ends up holding an unpublishable key.
func (e *Engine) Import(raw []byte) (*ImportResult, liberr.Error) {
	entities, decErr := decodeKeys(raw)
	if decErr != nil {
		return nil, decErr
	}
	if len(entities) == 0 {
		return nil, ErrorImportDecode.Error(nil)
	}

	res := &ImportResult{}

	for _, ent := range entities {
		if filterIdentities(ent) == 0 {
			res.Rejected++
			continue
		}
		if e.keyring.Add(ent) {
			res.Accepted++
		} else {
			res.Rejected++
		}
	}

	if res.Accepted == 0 {
		return res, ErrorImportRejected.Error(nil)
	}

	if err := e.keyring.Save(); err != nil {
		return res, err
	}

	return res, nil
}

func decodeKeys(raw []byte) (openpgp.EntityList, liberr.Error) {
	if block, err := armor.Decode(bytes.NewReader(raw)); err == nil {
		list, rErr := openpgp.ReadKeyRing(block.Body)
		if rErr != nil {
			return nil, ErrorImportDecode.Error(rErr)
		}
		return list, nil
	}

	list, err := openpgp.ReadKeyRing(bytes.NewReader(raw))
	if err != nil {
		return nil, ErrorImportDecode.Error(err)
	}
	return list, nil
}

// KeyOp mirrors the three HKP lookup operations this server supports.
type KeyOp string

const (
	OpIndex  KeyOp = "index"
	OpVIndex KeyOp = "vindex"
	OpGet    KeyOp = "get"
)

// Lookup runs op against search, formatting the result the way the HKP
// draft's /pks/lookup endpoint does: index/vindex return a listing,
// get returns an armored key block (or a concatenation of all matches if
// search matched more than one entity).
func (e *Engine) Lookup(op KeyOp, search string) ([]byte, liberr.Error) {
	var matches openpgp.EntityList
	if search == "" {
		matches = e.keyring.All()
	} else {
		matches = e.keyring.Find(search)
	}

	if len(matches) == 0 {
		return nil, ErrorLookupNotFound.Error(nil)
	}

	switch op {
	case OpGet:
		return exportArmored(matches)
	case OpIndex, OpVIndex:
		return formatIndex(matches, op == OpVIndex), nil
	default:
		return nil, ErrorLookupNotFound.Error(nil)
	}
}

func exportArmored(list openpgp.EntityList) ([]byte, liberr.Error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return nil, ErrorSign.Error(err)
	}
	for _, ent := range list {
		if sErr := ent.Serialize(w); sErr != nil {
			return nil, ErrorSign.Error(sErr)
		}
	}
	if err = w.Close(); err != nil {
		return nil, ErrorSign.Error(err)
	}
	return buf.Bytes(), nil
}

// formatIndex renders a text/plain listing matching pub/uid line shape; v
// additionally lists each signature (vindex), which this server has none
// of to report since it does not track third-party signatures.
func formatIndex(list openpgp.EntityList, _ bool) []byte {
	var b strings.Builder
	b.WriteString("info:1:")
	b.WriteString(itoa(len(list)))
	b.WriteByte('\n')

	for _, ent := range list {
		b.WriteString("pub:")
		b.WriteString(fingerprintHex(ent))
		b.WriteByte('\n')

		names := make([]string, 0, len(ent.Identities))
		for name := range ent.Identities {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString("uid:")
			b.WriteString(name)
			b.WriteByte('\n')
		}
	}

	return []byte(b.String())
}
