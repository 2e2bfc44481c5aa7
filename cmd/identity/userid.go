package identity

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
	"unicode"
)

const (
	userIDSuffixLen = 3
	userIDAlphabet  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// ErrEmptyCompanyID is returned when a user id is requested without a company id.
var ErrEmptyCompanyID = errors.New("identity: empty company id")

// NewUserID builds a human-readable user identifier of the form
// NNN-DDD-<company><suffix>: the first three letters of the name and department
// (upper-cased, whitespace removed; "USR"/"DEP" when empty), the company id and
// a random 3-char base36 suffix.
func NewUserID(name, department, companyID string) (string, error) {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return "", ErrEmptyCompanyID
	}

	suffix, err := randomBase36(userIDSuffixLen)
	if err != nil {
		return "", err
	}

	namePart := idPart(name, "USR")
	deptPart := idPart(department, "DEP")

	return namePart + "-" + deptPart + "-" + companyID + suffix, nil
}

func idPart(s, def string) string {
	out := make([]rune, 0, 3)
	for _, r := range strings.ToUpper(s) {
		if unicode.IsSpace(r) {
			continue
		}
		out = append(out, r)
		if len(out) == 3 {
			break
		}
	}
	if len(out) == 0 {
		return def
	}
	return string(out)
}

func randomBase36(n int) (string, error) {
	max := big.NewInt(int64(len(userIDAlphabet)))
	out := make([]byte, n)
	for i := range out {
		k, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = userIDAlphabet[k.Int64()]
	}
	return string(out), nil
}
