package release

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// RevisionLabel is the OCI label carrying the source commit of an image.
const RevisionLabel = "org.opencontainers.image.revision"

// Image is one local version-tagged image.
type Image struct {
	Tag     string   // as present in the local store
	Version string   // normalized
	Aliases []string // other local tags of the same version ("1.2.3" next to "v1.2.3")
}

// Tags returns Tag followed by its aliases.
func (img Image) Tags() []string {
	return append([]string{img.Tag}, img.Aliases...)
}

// Docker drives the container runtime and its compose interface.
type Docker struct {
	runner      Runner
	repository  string
	composeFile string
	services    []string
}

func NewDocker(runner Runner, repository, composeFile string, services []string) *Docker {
	return &Docker{runner: runner, repository: repository, composeFile: composeFile, services: services}
}

func (d *Docker) ref(tag string) string {
	return d.repository + ":" + tag
}

// Images lists local images of the repository whose tag is a version,
// newest first. When a version is tagged twice ("1.2.3" and "v1.2.3") the
// first tag listed is Tag and the rest are Aliases.
func (d *Docker) Images(ctx context.Context) ([]Image, error) {
	out, err := d.runner.Run(ctx, Command{Name: "docker", Args: []string{"images", d.repository, "--format", "{{.Tag}}"}})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	index := make(map[string]int)
	var images []Image
	for _, line := range strings.Split(out, "\n") {
		tag := strings.TrimSpace(line)
		if !Valid(tag) {
			continue
		}
		v, _ := Normalize(tag)
		if i, ok := index[v]; ok {
			if tag != images[i].Tag && !slices.Contains(images[i].Aliases, tag) {
				images[i].Aliases = append(images[i].Aliases, tag)
			}
			continue
		}
		index[v] = len(images)
		images = append(images, Image{Tag: tag, Version: v})
	}
	sort.SliceStable(images, func(i, j int) bool {
		return Compare(images[i].Version, images[j].Version) > 0
	})
	return images, nil
}

// ImageCommit returns the revision label of tag, or "" when unlabeled.
func (d *Docker) ImageCommit(ctx context.Context, tag string) (string, error) {
	format := fmt.Sprintf(`{{ index .Config.Labels %q }}`, RevisionLabel)
	out, err := d.runner.Run(ctx, Command{Name: "docker", Args: []string{"image", "inspect", d.ref(tag), "--format", format}})
	if err != nil {
		return "", fmt.Errorf("inspect image %s: %w", tag, err)
	}
	commit := strings.TrimSpace(out)
	if commit == "<no value>" {
		commit = ""
	}
	return commit, nil
}

// Tag adds the version tag to an existing image.
func (d *Docker) Tag(ctx context.Context, source, version string) error {
	if _, err := d.runner.Run(ctx, Command{Name: "docker", Args: []string{"tag", d.ref(source), d.ref(version)}}); err != nil {
		return fmt.Errorf("tag image: %w", err)
	}
	return nil
}

// Restart recreates the services on tag without building.
func (d *Docker) Restart(ctx context.Context, tag string) error {
	args := []string{"compose", "-f", filepath.Base(d.composeFile), "up", "-d", "--no-build"}
	args = append(args, d.services...)
	_, err := d.runner.Run(ctx, Command{
		Dir:  filepath.Dir(d.composeFile),
		Env:  []string{"IMAGE_TAG=" + tag},
		Name: "docker",
		Args: args,
	})
	if err != nil {
		return fmt.Errorf("restart services on %s: %w", tag, err)
	}
	return nil
}

// Remove deletes one image tag.
func (d *Docker) Remove(ctx context.Context, tag string) error {
	if _, err := d.runner.Run(ctx, Command{Name: "docker", Args: []string{"rmi", d.ref(tag)}}); err != nil {
		return fmt.Errorf("remove image %s: %w", tag, err)
	}
	return nil
}
