package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testCatalog() *Catalog {
	return NewCatalog([]string{"PassThroughModel", "HeadAndNeck"})
}

func TestParse_Valid(t *testing.T) {
	t.Parallel()

	ref, err := Parse("PassThroughModel:4", testCatalog())
	require.NoError(t, err)
	require.Equal(t, "PassThroughModel", ref.Name)
	require.Equal(t, 4, ref.Version)
	require.Equal(t, "PassThroughModel:4", ref.String())
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"missing separator", "PassThroughModel", ErrInvalidReference},
		{"empty name", ":4", ErrInvalidReference},
		{"non-numeric version", "PassThroughModel:four", ErrInvalidReference},
		{"zero version", "PassThroughModel:0", ErrInvalidReference},
		{"negative version", "PassThroughModel:-1", ErrInvalidReference},
		{"unknown model", "Mystery:3", ErrUnknownModel},
		{"empty string", "", ErrInvalidReference},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tc.raw, testCatalog())
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCatalog_Contains(t *testing.T) {
	t.Parallel()

	c := testCatalog()
	require.True(t, c.Contains("HeadAndNeck"))
	require.False(t, c.Contains("headandneck"))
}
