package model

import "fmt"

// TokenKind selects the schema family a token's metadata is validated
// against. Collection metadata is contract-level; its token index is 0.
type TokenKind string

const (
	KindItem       TokenKind = "item"
	KindPlace      TokenKind = "place"
	KindCollection TokenKind = "collection"
)

func (k TokenKind) String() string {
	return string(k)
}

func (k TokenKind) Valid() bool {
	switch k {
	case KindItem, KindPlace, KindCollection:
		return true
	}
	return false
}

// TokenID identifies one token's metadata row: contract address plus token
// index plus kind. Kind is part of the identity so a contract's collection
// row never collides with its token 0.
type TokenID struct {
	Contract   string    `db:"contract" json:"contract"`
	TokenIndex int64     `db:"token_index" json:"token_index"`
	Kind       TokenKind `db:"kind" json:"kind"`
}

func (t TokenID) String() string {
	if t.Kind == KindCollection {
		return t.Contract
	}
	return fmt.Sprintf("%s/%d", t.Contract, t.TokenIndex)
}
