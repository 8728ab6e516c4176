package product

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProduct() *Product {
	return &Product{
		ID:     "prod_1",
		Handle: "test-product",
		Title:  "Test Product",
		Options: []Option{
			{ID: "opt_size", Title: "Size", Values: []string{"S", "M", "L"}},
			{ID: "opt_color", Title: "Color", Values: []string{"Black"}},
		},
		Metadata: map[string]string{"origin": "import"},
	}
}

func TestApply_StructuralFields(t *testing.T) {
	p := testProduct()
	title := "Renamed"

	p.Apply(Update{Title: &title})

	assert.Equal(t, "Renamed", p.Title)
	assert.Equal(t, "test-product", p.Handle)
	assert.Equal(t, "import", p.Metadata["origin"])
}

func TestApply_MetadataMergeAndDelete(t *testing.T) {
	p := testProduct()

	p.Apply(Update{Metadata: map[string]string{
		"origin": "",
		"season": "summer",
	}})

	_, ok := p.Metadata["origin"]
	assert.False(t, ok)
	assert.Equal(t, "summer", p.Metadata["season"])
}

func TestInsertValueAt(t *testing.T) {
	tests := []struct {
		name string
		at   int
		want []string
	}{
		{name: "middle", at: 1, want: []string{"S", "XS", "M", "L"}},
		{name: "front", at: 0, want: []string{"XS", "S", "M", "L"}},
		{name: "negative clamps to front", at: -3, want: []string{"XS", "S", "M", "L"}},
		{name: "past end appends", at: 99, want: []string{"S", "M", "L", "XS"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testProduct()

			ok := p.InsertValueAt("opt_size", "XS", tt.at)

			require.True(t, ok)
			assert.Equal(t, tt.want, p.Options[0].Values)
		})
	}
}

func TestInsertValueAt_UnknownOption(t *testing.T) {
	p := testProduct()
	assert.False(t, p.InsertValueAt("opt_missing", "XS", 0))
}

func TestRemoveValuesWhere(t *testing.T) {
	p := testProduct()

	removed := p.RemoveValuesWhere("opt_size", func(v string) bool { return v == "M" || v == "L" })

	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"S"}, p.Options[0].Values)
}

func TestValidateVariantValues(t *testing.T) {
	p := testProduct()

	require.NoError(t, p.ValidateVariantValues([]string{"M", "Black"}))
	require.ErrorIs(t, p.ValidateVariantValues([]string{"M"}), ErrOptionCountMismatch)
}
