package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorDisplay(t *testing.T) {
	item := CanonicalItem{AuthorName: "Jane Doe", AuthorHandle: "jane"}
	assert.Equal(t, "Jane Doe (@jane)", item.AuthorDisplay())

	item = CanonicalItem{AuthorHandle: "jane"}
	assert.Equal(t, "Unknown (@jane)", item.AuthorDisplay())
}
