package domain

import (
	"time"
)

type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

func ParseVisibility(s string) (Visibility, error) {
	switch Visibility(s) {
	case "", Public:
		return Public, nil
	case Private:
		return Private, nil
	}
	return "", ErrInvalidVisibility
}

// Paste is the metadata record. Content lives in the blob store under StoredName.
type Paste struct {
	ID            string     `json:"id"`
	OriginalName  string     `json:"originalName"`
	StoredName    string     `json:"-"`
	Visibility    Visibility `json:"visibility"`
	HasCredential bool       `json:"hasCredential"`
	SizeBytes     int64      `json:"sizeBytes"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	Version       int64      `json:"-"`
}

func (p *Paste) Clone() *Paste {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

type SubmitParams struct {
	Name       string
	Content    string
	Visibility string
	Secret     string
}

type UpdateParams struct {
	ID      string
	Name    string
	Content string
	Secret  string
}

type Stats struct {
	Total   int `json:"totalCount"`
	Public  int `json:"publicCount"`
	Private int `json:"privateCount"`
}
