// Package adminauth verifies the shared admin password carried in gateway
// requests against a configured plaintext value or password hash.
//
// Supported hash formats:
//
//	pbkdf2:<digest>[:<iterations>]$<salt>$<hex>   (Werkzeug)
//	scrypt:<n>:<r>:<p>$<salt>$<hex>                (Werkzeug)
//	$2a$ / $2b$ / $2y$                             (bcrypt)
package adminauth

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// DefaultPBKDF2Iterations applies when a pbkdf2 hash omits its iteration count.
const DefaultPBKDF2Iterations = 600000

const scryptKeyLen = 64

// ErrUnsupportedHash is returned for hashes in a format this package cannot check.
var ErrUnsupportedHash = errors.New("unsupported password hash format")

// Verifier checks candidate passwords. The zero value rejects everything.
type Verifier struct {
	check func(candidate string) bool
}

// New builds a verifier. A non-empty hash takes precedence over the
// plaintext password. It fails when neither is set or the hash is malformed.
func New(password, passwordHash string) (*Verifier, error) {
	passwordHash = strings.TrimSpace(passwordHash)
	if passwordHash != "" {
		check, err := hashChecker(passwordHash)
		if err != nil {
			return nil, err
		}
		return &Verifier{check: check}, nil
	}
	if password == "" {
		return nil, errors.New("admin password or password hash is required")
	}
	return &Verifier{check: func(candidate string) bool {
		return constantTimeMatch(candidate, password)
	}}, nil
}

// Verify reports whether candidate matches. Empty candidates never match.
func (v *Verifier) Verify(candidate string) bool {
	if v == nil || v.check == nil || candidate == "" {
		return false
	}
	return v.check(candidate)
}

func hashChecker(encoded string) (func(string) bool, error) {
	if strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$") {
		if _, err := bcrypt.Cost([]byte(encoded)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedHash, err)
		}
		return func(candidate string) bool {
			return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(candidate)) == nil
		}, nil
	}

	parts := strings.SplitN(encoded, "$", 3)
	if len(parts) != 3 {
		return nil, ErrUnsupportedHash
	}
	method, salt, digestHex := parts[0], parts[1], parts[2]
	want, err := hex.DecodeString(digestHex)
	if err != nil || len(want) == 0 {
		return nil, fmt.Errorf("%w: digest is not hex", ErrUnsupportedHash)
	}

	derive, err := werkzeugDeriver(method, len(want))
	if err != nil {
		return nil, err
	}
	return func(candidate string) bool {
		got, err := derive([]byte(candidate), []byte(salt))
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare(got, want) == 1
	}, nil
}

// werkzeugDeriver parses the method prefix of a Werkzeug hash.
func werkzeugDeriver(method string, keyLen int) (func(password, salt []byte) ([]byte, error), error) {
	fields := strings.Split(method, ":")
	switch fields[0] {
	case "pbkdf2":
		digest := "sha256"
		if len(fields) > 1 {
			digest = fields[1]
		}
		iterations := DefaultPBKDF2Iterations
		if len(fields) > 2 {
			n, err := strconv.Atoi(fields[2])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("%w: bad pbkdf2 iterations %q", ErrUnsupportedHash, fields[2])
			}
			iterations = n
		}
		h, err := hashFunc(digest)
		if err != nil {
			return nil, err
		}
		return func(password, salt []byte) ([]byte, error) {
			return pbkdf2.Key(password, salt, iterations, keyLen, h), nil
		}, nil

	case "scrypt":
		n, r, p := 32768, 8, 1
		if len(fields) == 4 {
			var err error
			if n, err = strconv.Atoi(fields[1]); err != nil {
				return nil, fmt.Errorf("%w: bad scrypt n", ErrUnsupportedHash)
			}
			if r, err = strconv.Atoi(fields[2]); err != nil {
				return nil, fmt.Errorf("%w: bad scrypt r", ErrUnsupportedHash)
			}
			if p, err = strconv.Atoi(fields[3]); err != nil {
				return nil, fmt.Errorf("%w: bad scrypt p", ErrUnsupportedHash)
			}
		} else if len(fields) != 1 {
			return nil, fmt.Errorf("%w: scrypt expects n:r:p", ErrUnsupportedHash)
		}
		if keyLen != scryptKeyLen {
			return nil, fmt.Errorf("%w: scrypt digest must be %d bytes", ErrUnsupportedHash, scryptKeyLen)
		}
		return func(password, salt []byte) ([]byte, error) {
			return scrypt.Key(password, salt, n, r, p, scryptKeyLen)
		}, nil

	default:
		return nil, fmt.Errorf("%w: method %q", ErrUnsupportedHash, fields[0])
	}
}

func hashFunc(name string) (func() hash.Hash, error) {
	switch name {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, fmt.Errorf("%w: digest %q", ErrUnsupportedHash, name)
	}
}

func constantTimeMatch(provided string, expected string) bool {
	providedDigest := sha256.Sum256([]byte(provided))
	expectedDigest := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(providedDigest[:], expectedDigest[:]) == 1
}
