// Package archive packs and unpacks the portable tar layout used to
// exchange container images as single files: a manifest.json index, the
// raw image config as <digest>.json, and one <digest>/layer.tar per layer.
package archive

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// ErrFormat is returned when input is not a valid image archive: not a tar
// stream, or missing or malformed manifest.json.
var ErrFormat = errors.New("archive: invalid image archive")

const manifestFile = "manifest.json"

// ManifestEntry is one element of the manifest.json array. Decoding is
// case-insensitive, so archives written with lowercase config/layers keys
// load as well; this package always writes the capitalized Docker keys.
type ManifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// Layer is a blob staged on disk for packing.
type Layer struct {
	Digest digest.Digest
	Path   string
}

// Image is the content of an unpacked archive, resolved to files under the
// extraction directory.
type Image struct {
	ConfigPath string
	LayerPaths []string
	RepoTags   []string
}

// packTime is the fixed timestamp for archive entries. Pulling the same
// image twice must produce byte-identical archives.
var packTime = time.Unix(0, 0)

// Pack writes the archive for one image to w. Layer order must be the
// manifest's layer order; it is the filesystem overlay order and reordering
// breaks the image.
func Pack(w io.Writer, repoTag string, configDigest digest.Digest, config []byte, layers []Layer) error {
	tw := tar.NewWriter(w)

	configName := configDigest.Encoded() + ".json"
	if err := writeFile(tw, configName, config); err != nil {
		return err
	}

	layerPaths := make([]string, 0, len(layers))
	for _, layer := range layers {
		name := layer.Digest.Encoded() + "/layer.tar"
		if err := writeFileFrom(tw, name, layer.Path); err != nil {
			return err
		}
		layerPaths = append(layerPaths, name)
	}

	entry := ManifestEntry{
		Config: configName,
		Layers: layerPaths,
	}
	if repoTag != "" {
		entry.RepoTags = []string{repoTag}
	}
	manifest, err := json.Marshal([]ManifestEntry{entry})
	if err != nil {
		return err
	}
	if err := writeFile(tw, manifestFile, manifest); err != nil {
		return err
	}

	return tw.Close()
}

func writeFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: packTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

func writeFileFrom(tw *tar.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: packTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// Unpack extracts an image archive into dir and resolves its manifest.
//
// Tooling may append multiple manifest entries to manifest.json; the last
// element describes the most recent build and is the one used.
func Unpack(r io.Reader, dir string) (*Image, error) {
	if err := extract(r, dir); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("%w: missing %s", ErrFormat, manifestFile)
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: malformed %s: %v", ErrFormat, manifestFile, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: empty %s", ErrFormat, manifestFile)
	}
	entry := entries[len(entries)-1]
	if entry.Config == "" {
		return nil, fmt.Errorf("%w: manifest entry missing config", ErrFormat)
	}

	img := &Image{RepoTags: entry.RepoTags}
	img.ConfigPath, err = resolveMember(dir, entry.Config)
	if err != nil {
		return nil, err
	}
	for _, layer := range entry.Layers {
		path, err := resolveMember(dir, layer)
		if err != nil {
			return nil, err
		}
		img.LayerPaths = append(img.LayerPaths, path)
	}
	return img, nil
}

func extract(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	sawEntry := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !sawEntry {
				return fmt.Errorf("%w: not a tar stream: %v", ErrFormat, err)
			}
			return fmt.Errorf("%w: truncated tar stream: %v", ErrFormat, err)
		}
		sawEntry = true

		path, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// Links and special files have no place in an image archive.
			return fmt.Errorf("%w: unsupported entry type %d for %q", ErrFormat, hdr.Typeflag, hdr.Name)
		}
	}
	if !sawEntry {
		return fmt.Errorf("%w: empty tar stream", ErrFormat)
	}
	return nil
}

// resolveMember maps an archive-relative name to its extracted path,
// requiring the file to exist.
func resolveMember(dir, name string) (string, error) {
	path, err := safeJoin(dir, name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: archive member %q missing", ErrFormat, name)
	}
	return path, nil
}

// safeJoin joins name under dir, rejecting absolute paths and traversal out
// of the extraction directory.
func safeJoin(dir, name string) (string, error) {
	name = strings.TrimPrefix(name, "./")
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: unsafe path %q", ErrFormat, name)
	}
	return filepath.Join(dir, cleaned), nil
}
