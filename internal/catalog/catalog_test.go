package catalog

import (
	"testing"

	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveProfile_Default(t *testing.T) {
	id, name, err := ResolveProfile("")
	require.NoError(t, err)
	assert.Equal(t, "medium", name)
	assert.NotEmpty(t, id)
}

func TestResolveProfile_Named(t *testing.T) {
	id, name, err := ResolveProfile("small")
	require.NoError(t, err)
	assert.Equal(t, "small", name)
	assert.Equal(t, "prof_small", id)
}

func TestResolveProfile_Unknown(t *testing.T) {
	_, _, err := ResolveProfile("gigantic")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.KindValidation, apiErr.Kind)
}

func TestResolveImage_DefaultAndLookup(t *testing.T) {
	id, ref, err := ResolveImage("")
	require.NoError(t, err)
	assert.Equal(t, DefaultImage, ref)

	gotID, gotRef, err := ResolveImage(id)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, ref, gotRef)
}

func TestResolveImage_Unknown(t *testing.T) {
	_, _, err := ResolveImage("sandchest://plan9/default")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.KindValidation, apiErr.Kind)
}
