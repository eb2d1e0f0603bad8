package intake

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

var ErrMissingReference = errors.New("missing external reference")

var (
	// Clients used to append "_<unix-ms>_<nonce>" to a payload before
	// reporting it, which made the same transfer look new on every retry.
	clientSuffixRE = regexp.MustCompile(`_\d{13}_[A-Za-z0-9]+$`)
	schemeRE       = regexp.MustCompile(`^(?i)(ton://tx/|tx:|hash:)`)
	explorerRE     = regexp.MustCompile(`^(?i)https?://[^/]+/(?:[^/]+/)*(?:tx|transaction)/([^/?#]+)`)
	hexHashRE      = regexp.MustCompile(`^(?:0[xX])?[0-9a-fA-F]{64}$`)
)

// NormalizeReference maps every known encoding of an external transfer
// reference to one canonical form. Equivalences:
//
//   - surrounding whitespace, quotes and backticks are ignored
//   - ton://tx/, tx: and hash: prefixes and explorer /tx/ URLs are unwrapped
//   - a trailing _<13-digit-ms>_<nonce> client suffix is dropped
//   - 64-char hex hashes compare case-insensitively, with or without 0x
//   - BOC payloads (te6...) keep their case; URL-safe base64 equals standard
//     base64 and padding is ignored
//   - anything else compares case-insensitively
func NormalizeReference(ref string) (string, error) {
	s := ref
	for {
		prev := s
		s = strings.TrimSpace(s)
		s = trimQuotes(s)
		if m := explorerRE.FindStringSubmatch(s); m != nil {
			if un, err := url.PathUnescape(m[1]); err == nil {
				s = un
			} else {
				s = m[1]
			}
		}
		s = schemeRE.ReplaceAllString(s, "")
		s = clientSuffixRE.ReplaceAllString(s, "")
		if s == prev {
			break
		}
	}
	if s == "" {
		return "", ErrMissingReference
	}

	switch {
	case hexHashRE.MatchString(s):
		s = strings.ToLower(s)
		return strings.TrimPrefix(s, "0x"), nil
	case strings.HasPrefix(s, "te6"):
		s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
		return strings.TrimRight(s, "="), nil
	default:
		return strings.ToLower(s), nil
	}
}

func trimQuotes(s string) string {
	for len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first != last || (first != '"' && first != '\'' && first != '`') {
			break
		}
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// DepositKey is the dedup key under which a deposit is recorded. It depends
// on the transfer alone: one on-chain transfer is credited once, whatever
// user or currency it is reported under.
func DepositKey(ref string) (string, error) {
	canonical, err := NormalizeReference(ref)
	if err != nil {
		return "", err
	}
	return "deposit:" + canonical, nil
}
