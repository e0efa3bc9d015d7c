package shard

import (
	"crypto/sha1" //nolint:gosec // content-addressing, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"path"
)

// ErrPackageRequiredForPath is returned by Path when package is empty.
var ErrPackageRequiredForPath = errors.New("shard: package is required to derive a path")

// Path returns the canonical on-disk location of the shard for
// (subdir, package): shards/<subdir>/<h0>/<h1>/<h2>/<package>.json, where
// h0h1h2 are the first three hex digits of SHA-1(package) (spec §3).
func Path(subdir, pkg string) (string, error) {
	if pkg == "" {
		return "", ErrPackageRequiredForPath
	}

	h0, h1, h2 := hexPrefix(pkg)

	return path.Join("shards", subdir, h0, h1, h2, pkg+".json"), nil
}

// hexPrefix returns the first three hex digits of SHA-1(pkg), one per
// return value, matching the <h0>/<h1>/<h2> directory nesting.
func hexPrefix(pkg string) (string, string, string) {
	sum := sha1.Sum([]byte(pkg)) //nolint:gosec
	hexSum := hex.EncodeToString(sum[:])

	return string(hexSum[0]), string(hexSum[1]), string(hexSum[2])
}

// legacyShardDirs is the number of one-character directories the pre-SHA-1
// layout nests shards under.
const legacyShardDirs = 12

// legacyPaths returns, oldest-first, the legacy on-disk locations that must
// be recognized on read and migrated to the canonical Path (spec §4.1).
//
// Legacy layout: one directory per alphanumeric character of the package
// filename, up to legacyShardDirs levels deep, padding with "z" when the
// filename has fewer alphanumeric characters than that.
func legacyPaths(subdir, pkg string) ([]string, error) {
	if pkg == "" {
		return nil, ErrPackageRequiredForPath
	}

	chars := make([]string, 0, legacyShardDirs)

	for _, r := range pkg {
		if len(chars) >= legacyShardDirs {
			break
		}

		if ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') {
			chars = append(chars, string(r))
		}
	}

	for len(chars) < legacyShardDirs {
		chars = append(chars, "z")
	}

	pthParts := append([]string{"shards", subdir}, chars...)
	pthParts = append(pthParts, pkg+".json")

	return []string{path.Join(pthParts...)}, nil
}

// Locate returns the canonical path for (subdir, package) plus every legacy
// path that must also be checked on read.
func Locate(subdir, pkg string) (canonical string, legacy []string, err error) {
	canonical, err = Path(subdir, pkg)
	if err != nil {
		return "", nil, err
	}

	legacy, err = legacyPaths(subdir, pkg)
	if err != nil {
		return "", nil, err
	}

	return canonical, legacy, nil
}

// ParsePackageFromPath extracts the package filename a canonical or legacy
// shard path was derived for, by stripping the trailing ".json" suffix.
func ParsePackageFromPath(p string) (string, error) {
	base := path.Base(p)

	const suffix = ".json"
	if len(base) <= len(suffix) || base[len(base)-len(suffix):] != suffix {
		return "", fmt.Errorf("shard: path %q does not end in %q", p, suffix)
	}

	return base[:len(base)-len(suffix)], nil
}
