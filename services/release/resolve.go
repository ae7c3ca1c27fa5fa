package release

import "fmt"

// Target selects the version to roll back to: an explicit Version, or the
// Steps-th version older than the current one. The zero Target is one step.
type Target struct {
	Version string
	Steps   int
}

// Resolve picks the image for target among images (newest first).
func Resolve(images []Image, current string, target Target) (Image, error) {
	if len(images) == 0 {
		return Image{}, ErrNoImages
	}

	if target.Version != "" {
		v, err := Normalize(target.Version)
		if err != nil {
			return Image{}, err
		}
		if v == current {
			return Image{}, fmt.Errorf("%s is already the current version", v)
		}
		for _, img := range images {
			if img.Version == v {
				return img, nil
			}
		}
		return Image{}, fmt.Errorf("%w: %s is not a local image", ErrTargetNotFound, v)
	}

	steps := target.Steps
	if steps == 0 {
		steps = 1
	}
	if steps < 0 {
		return Image{}, fmt.Errorf("steps must be positive, got %d", steps)
	}
	if current == "" {
		return Image{}, fmt.Errorf("%w: no current version to count back from", ErrTargetNotFound)
	}

	// Count back among the versions older than current, whether or not the
	// current image is still present.
	var older []Image
	for _, img := range images {
		if Compare(img.Version, current) < 0 {
			older = append(older, img)
		}
	}
	if steps > len(older) {
		return Image{}, fmt.Errorf("%w: only %d version(s) older than %s", ErrTargetNotFound, len(older), current)
	}
	return older[steps-1], nil
}
