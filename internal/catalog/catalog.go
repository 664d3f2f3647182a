// Package catalog resolves the closed image/profile reference sets of
// spec §3 ("Image / Profile. Reference catalogs: image is addressable by a
// URI form (sandchest://<os>/<variant>) and by an internal id; profile is
// addressable by name ... and id."). It is a fixed in-process table rather
// than a repository: the catalog is shared across all orgs and never
// mutated by tenant requests.
package catalog

import (
	"fmt"

	"github.com/sandchest/sandchest/internal/apierr"
)

// Profile is one entry of the small/medium/large resource-class catalog.
type Profile struct {
	ID   string
	Name string
}

// Image is one entry of the sandchest://<os>/<variant> image catalog.
type Image struct {
	ID  string
	Ref string
}

var profiles = []Profile{
	{ID: "prof_small", Name: "small"},
	{ID: "prof_medium", Name: "medium"},
	{ID: "prof_large", Name: "large"},
}

var images = []Image{
	{ID: "img_debian_default", Ref: "sandchest://debian/default"},
	{ID: "img_ubuntu_default", Ref: "sandchest://ubuntu/default"},
	{ID: "img_alpine_default", Ref: "sandchest://alpine/default"},
}

// DefaultProfile is used when a create request names no profile.
const DefaultProfile = "medium"

// DefaultImage is used when a create request names no image.
const DefaultImage = "sandchest://debian/default"

// ResolveProfile maps a profile name to its id, defaulting to
// DefaultProfile when name is empty. An unrecognized name is a
// validation_error, matching spec's `{"profile":"gigantic"}` -> 400 case.
func ResolveProfile(name string) (id, resolvedName string, err error) {
	if name == "" {
		name = DefaultProfile
	}
	for _, p := range profiles {
		if p.Name == name {
			return p.ID, p.Name, nil
		}
	}
	return "", "", apierr.New(apierr.KindValidation, fmt.Sprintf("unknown profile %q", name))
}

// ResolveProfileByID maps a profile id back to its name, used when a fork
// or catalog lookup already carries the id.
func ResolveProfileByID(id string) (name string, err error) {
	for _, p := range profiles {
		if p.ID == id {
			return p.Name, nil
		}
	}
	return "", apierr.New(apierr.KindValidation, fmt.Sprintf("unknown profile id %q", id))
}

// ResolveImage maps an image id or ref to its canonical (id, ref) pair,
// defaulting to DefaultImage when both are empty. Accepts either form so
// callers can pass whichever one the request body supplied.
func ResolveImage(idOrRef string) (id, ref string, err error) {
	if idOrRef == "" {
		idOrRef = DefaultImage
	}
	for _, img := range images {
		if img.ID == idOrRef || img.Ref == idOrRef {
			return img.ID, img.Ref, nil
		}
	}
	return "", "", apierr.New(apierr.KindValidation, fmt.Sprintf("unknown image %q", idOrRef))
}
