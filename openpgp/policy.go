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

import "golang.org/x/crypto/openpgp"

// acceptedCommentPrefixes are the only UID comment prefixes an imported key
// is accepted under. Keys whose every identity fails this check are
// stripped back out of the entity before it is added, mirroring the
// keyserver's rejection of anything that isn't a pseudonym-tagged identity.
var acceptedCommentPrefixes = []string{"udid2;c;", "ubot1;"}

// admitsIdentity reports whether a single UID comment satisfies the import
// policy.
func admitsIdentity(comment string) bool {
	for _, pfx := range acceptedCommentPrefixes {
		if len(comment) >= len(pfx) && comment[:len(pfx)] == pfx {
			return true
		}
	}
	return false
}

// filterIdentities removes every identity on ent whose comment does not
// satisfy the import policy, returning how many survived. An entity with
// zero surviving identities is rejected outright: it carried nothing the
// keyserver is willing to publish.
func filterIdentities(ent *openpgp.Entity) int {
	for uid, id := range ent.Identities {
		if !admitsIdentity(id.UserId.Comment) {
			delete(ent.Identities, uid)
		}
	}
	return len(ent.Identities)
}
