package svc

import (
	"encoding/base64"
	"path"
	"runbin/pkg/domain"
	"runbin/svc/util"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

const (
	revBytes = 5
	revLen   = 7
)

// normalizeName turns a client supplied file name into a bounded token made of
// [A-Za-z0-9_.-] that still carries ext. Directory components are dropped.
func normalizeName(raw, ext string, maxLen int) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", domain.ErrNameRequired
	}
	base := path.Base(strings.ReplaceAll(raw, "\\", "/"))
	if base == "." || base == ".." || base == "/" {
		return "", domain.ErrInvalidName
	}
	base = norm.NFC.String(base)
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_', r == '.', r == '-':
			return r
		}
		return '_'
	}, base)
	if !strings.HasSuffix(safe, ext) {
		return "", domain.ErrInvalidExtension
	}
	stem := strings.TrimSuffix(safe, ext)
	if stem == "" || strings.HasPrefix(stem, ".") {
		return "", domain.ErrInvalidName
	}
	if room := maxLen - len(ext); len(stem) > room {
		stem = stem[:room]
	}
	return stem + ext, nil
}

// decodeContent strictly decodes standard base64. Malformed input is an
// error; there is no fallback encoding.
func decodeContent(encoded string, maxSize int64) ([]byte, error) {
	if encoded == "" {
		return nil, domain.ErrContentRequired
	}
	if int64(len(encoded)) > int64(base64.StdEncoding.EncodedLen(int(maxSize)))+1024 {
		return nil, domain.ErrPasteTooLarge
	}
	data, err := base64.StdEncoding.Strict().DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(domain.ErrInvalidEncoding, err.Error())
	}
	if len(data) == 0 {
		return nil, domain.ErrContentRequired
	}
	if int64(len(data)) > maxSize {
		return nil, domain.ErrPasteTooLarge
	}
	return data, nil
}

// storedName keys a revision of a paste in the blob store. Every revision
// gets its own key so concurrent writers never share a blob.
func storedName(id, name string) (string, error) {
	rev, err := util.RandomToken(revBytes, revLen)
	if err != nil {
		return "", err
	}
	return id + "_" + rev + "_" + name, nil
}
