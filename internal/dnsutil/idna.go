// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

// Package dnsutil holds a small DNS-adjacent helper, SelectIDNA, for
// converting domains between their A-label and U-label forms.
package dnsutil

import (
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// SelectIDNA converts a selector/SDID domain between its A-label (ASCII,
// Punycode) and U-label (Unicode) forms.
//
// If ulabel is true, it returns U-label encoded domain in the Unicode NFC
// form.
// If ulabel is false, it returns A-label encoded domain.
func SelectIDNA(ulabel bool, domain string) (string, error) {
	if ulabel {
		uDomain, err := idna.ToUnicode(domain)
		return norm.NFC.String(uDomain), err
	}
	return idna.ToASCII(domain)
}
