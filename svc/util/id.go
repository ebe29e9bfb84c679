package util

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

const (
	base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	idBytes     = 8
	idLen       = 11
	maxIDTries  = 5
)

var ErrIDExhausted = errors.New("id collision after 5 retries")

// GenID returns a base62 id of 8 random bytes that exists reports as free.
func GenID(exists func(string) (bool, error)) (string, error) {
	for retry := 0; retry < maxIDTries; retry++ {
		id, err := RandomToken(idBytes, idLen)
		if err != nil {
			return "", err
		}
		taken, err := exists(id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrIDExhausted
}

// RandomToken encodes n random bytes as base62, left padded to at least minLen.
func RandomToken(n, minLen int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	return toBase62(new(big.Int).SetBytes(buf), minLen), nil
}

func toBase62(num *big.Int, minLen int) string {
	result := make([]byte, 0, minLen)
	base := big.NewInt(62)
	temp := new(big.Int).Set(num)
	mod := new(big.Int)
	for temp.Sign() > 0 {
		temp.DivMod(temp, base, mod)
		result = append(result, base62Chars[mod.Int64()])
	}
	for len(result) < minLen || len(result) == 0 {
		result = append(result, base62Chars[0])
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return string(result)
}

func IsValidID(id string) bool {
	if len(id) != idLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
