package repodata

import (
	"math/big"
	"strconv"
	"strings"
)

// segmentWeight ranks the non-numeric pre/post-release markers recognized by
// the package ecosystem's version ordering, lowest first (spec Glossary
// "Version order"). Any other alphabetic token gets the same weight as "rc"
// (an unknown qualifier is treated as a pre-release); tokens of equal weight
// are ordered by plain string comparison.
var segmentWeight = map[string]int{
	"dev":   -4,
	"alpha": -3,
	"a":     -3,
	"beta":  -2,
	"b":     -2,
	"rc":    -1,
	"c":     -1,
	"":      0,
	"post":  1,
	"pl":    1,
	"p":     1,
}

// Compare orders two version strings per the package ecosystem's component-
// wise alphanumeric scheme: epoch first, then dot/dash/underscore-delimited
// numeric-or-alphabetic components compared pairwise with an absent
// component treated as zero, then any "+local" suffix by the same rule.
// Returns -1, 0, or 1.
func Compare(a, b string) int {
	epochA, restA, localA := splitVersion(a)
	epochB, restB, localB := splitVersion(b)

	if c := compareInt(epochA, epochB); c != 0 {
		return c
	}

	if c := compareComponents(restA, restB); c != 0 {
		return c
	}

	return compareComponents(localA, localB)
}

func splitVersion(v string) (epoch, rest, local string) {
	epoch = "0"

	if idx := strings.Index(v, "!"); idx >= 0 {
		epoch = v[:idx]
		v = v[idx+1:]
	}

	if idx := strings.Index(v, "+"); idx >= 0 {
		rest = v[:idx]
		local = v[idx+1:]

		return epoch, rest, local
	}

	return epoch, v, ""
}

func compareInt(a, b string) int {
	ai, aok := new(big.Int).SetString(a, 10)
	bi, bok := new(big.Int).SetString(b, 10)

	if !aok {
		ai = big.NewInt(0)
	}

	if !bok {
		bi = big.NewInt(0)
	}

	return ai.Cmp(bi)
}

// components splits a version (or local-version) string into its dot-
// separated segments, each further split at digit/alpha boundaries, matching
// the ecosystem's tokenizer ("1.2.0rc1" -> ["1","2","0","rc","1"]).
func components(s string) []string {
	s = strings.NewReplacer("-", ".", "_", ".").Replace(s)

	var segs []string

	for _, part := range strings.Split(s, ".") {
		segs = append(segs, tokenizeAlnum(part)...)
	}

	return segs
}

func tokenizeAlnum(s string) []string {
	if s == "" {
		return []string{""}
	}

	var out []string

	isDigit := func(r byte) bool { return r >= '0' && r <= '9' }

	start := 0
	curDigit := len(s) > 0 && isDigit(s[0])

	for i := 1; i < len(s); i++ {
		d := isDigit(s[i])
		if d != curDigit {
			out = append(out, s[start:i])
			start = i
			curDigit = d
		}
	}

	out = append(out, s[start:])

	return out
}

func compareComponents(a, b string) int {
	ca := components(a)
	cb := components(b)

	n := len(ca)
	if len(cb) > n {
		n = len(cb)
	}

	for i := 0; i < n; i++ {
		// An absent component compares as zero.
		ta, tb := "0", "0"
		if i < len(ca) {
			ta = ca[i]
		}

		if i < len(cb) {
			tb = cb[i]
		}

		if c := compareToken(ta, tb); c != 0 {
			return c
		}
	}

	return 0
}

func compareToken(a, b string) int {
	an, aIsNum := tokenAsNumber(a)
	bn, bIsNum := tokenAsNumber(b)

	switch {
	case aIsNum && bIsNum:
		return an.Cmp(bn)
	case aIsNum && !bIsNum:
		// A numeric component outranks pre-release qualifiers (negative
		// weight) and sorts below the empty ("final") marker and the
		// post-release qualifiers.
		if weightOf(b) < 0 {
			return 1
		}

		return -1
	case !aIsNum && bIsNum:
		if weightOf(a) < 0 {
			return -1
		}

		return 1
	default:
		wa, wb := weightOf(a), weightOf(b)
		if wa != wb {
			if wa < wb {
				return -1
			}

			return 1
		}

		return strings.Compare(a, b)
	}
}

func tokenAsNumber(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}

	if _, err := strconv.Atoi(s); err != nil {
		return nil, false
	}

	n, ok := new(big.Int).SetString(s, 10)

	return n, ok
}

func weightOf(s string) int {
	lower := strings.ToLower(s)
	if w, ok := segmentWeight[lower]; ok {
		return w
	}

	return -1
}
