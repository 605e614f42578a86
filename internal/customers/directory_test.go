package customers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotegenius/pkg/api"
)

func TestReference_Lookup(t *testing.T) {
	dir := Reference()

	c, ok := dir.Lookup("cust-103")
	require.True(t, ok)
	assert.Equal(t, "MedTech Innovations", c.Name)
	assert.Equal(t, 7, c.RelationshipYears)
	assert.True(t, c.Existing())

	_, ok = dir.Lookup("cust-999")
	assert.False(t, ok)
}

func TestStatic_PutAndList(t *testing.T) {
	dir := NewStatic()
	dir.Put(api.Customer{CustomerID: "b"})
	dir.Put(api.Customer{CustomerID: "a", RelationshipYears: 0})

	list := dir.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].CustomerID)

	c, _ := dir.Lookup("a")
	assert.False(t, c.Existing())
}
