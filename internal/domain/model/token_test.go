package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenIDString(t *testing.T) {
	item := TokenID{Contract: "KT1RJ6PbjHpwc3M5rw5s2Nbmefwbuwbdxton", TokenIndex: 42, Kind: KindItem}
	assert.Equal(t, "KT1RJ6PbjHpwc3M5rw5s2Nbmefwbuwbdxton/42", item.String())

	coll := TokenID{Contract: "KT1RJ6PbjHpwc3M5rw5s2Nbmefwbuwbdxton", Kind: KindCollection}
	assert.Equal(t, "KT1RJ6PbjHpwc3M5rw5s2Nbmefwbuwbdxton", coll.String())
}

func TestTokenKindValid(t *testing.T) {
	assert.True(t, KindItem.Valid())
	assert.True(t, KindPlace.Valid())
	assert.True(t, KindCollection.Valid())
	assert.False(t, TokenKind("").Valid())
	assert.False(t, TokenKind("sticker").Valid())
}

func TestValidityConstants(t *testing.T) {
	assert.Equal(t, Validity("valid"), ValidityValid)
	assert.Equal(t, Validity("partially_valid"), ValidityPartial)
	assert.Equal(t, Validity("invalid"), ValidityInvalid)
}

func TestQuarantinedEventToken(t *testing.T) {
	q := QuarantinedEvent{Contract: "KT1Round", TokenIndex: 77, Kind: KindItem}
	assert.Equal(t, TokenID{Contract: "KT1Round", TokenIndex: 77, Kind: KindItem}, q.Token())
}
