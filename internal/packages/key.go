package packages

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/containerd/errdefs"
)

const (
	KindDirectory = "dir"
	KindJava      = "java"
	KindFiles     = "files"
	KindProvided  = "provided"
)

// Key identifies an installable artifact. Identifier is a pure function of
// the key's content and names the package's directory under the package root.
type Key interface {
	Kind() string
	Identifier() string
}

// identifier derives "<kind>-<hash>" from the canonical JSON of fields.
func identifier(kind string, fields any) string {
	data, err := json.Marshal(fields)
	if err != nil {
		// Key fields are plain strings and slices; this cannot fail.
		panic(fmt.Sprintf("packages: marshal %s key: %v", kind, err))
	}
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(data)
	return kind + "-" + hex.EncodeToString(h.Sum(nil)[:12])
}

// DirectoryKey snapshots a directory already present on the host.
type DirectoryKey struct {
	Path string `json:"path"`
}

func (k DirectoryKey) Kind() string       { return KindDirectory }
func (k DirectoryKey) Identifier() string { return identifier(KindDirectory, k) }

// JavaKey selects a Java runtime installed on the host.
type JavaKey struct {
	// Type is "jdk" or "jre"; empty matches either.
	Type    string `json:"type,omitempty"`
	Version string `json:"version"`
	// MajorOnly matches any installation with the same major version.
	MajorOnly bool `json:"major_only,omitempty"`
}

func (k JavaKey) Kind() string       { return KindJava }
func (k JavaKey) Identifier() string { return identifier(KindJava, k) }

// FileSource is one file to download into a package directory.
type FileSource struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// FilesKey downloads a fixed list of files.
type FilesKey struct {
	Files []FileSource `json:"files"`
}

func (k FilesKey) Kind() string       { return KindFiles }
func (k FilesKey) Identifier() string { return identifier(KindFiles, k) }

// ProvidedKey names a package served by the network's package provider.
type ProvidedKey struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

func (k ProvidedKey) Kind() string       { return KindProvided }
func (k ProvidedKey) Identifier() string { return identifier(KindProvided, k) }

func (k ProvidedKey) String() string {
	if k.Version == "" {
		return k.Name
	}
	return k.Name + "@" + k.Version
}

// Validate checks a key before it is resolved.
func Validate(key Key) error {
	switch k := key.(type) {
	case DirectoryKey:
		if strings.TrimSpace(k.Path) == "" {
			return fmt.Errorf("directory key: path is required: %w", errdefs.ErrInvalidArgument)
		}
	case JavaKey:
		if strings.TrimSpace(k.Version) == "" {
			return fmt.Errorf("java key: version is required: %w", errdefs.ErrInvalidArgument)
		}
		if k.Type != "" && k.Type != "jdk" && k.Type != "jre" {
			return fmt.Errorf("java key: type %q must be jdk or jre: %w", k.Type, errdefs.ErrInvalidArgument)
		}
	case FilesKey:
		if len(k.Files) == 0 {
			return fmt.Errorf("files key: at least one file is required: %w", errdefs.ErrInvalidArgument)
		}
		for _, f := range k.Files {
			if err := validateFileName(f.Name); err != nil {
				return err
			}
			if strings.TrimSpace(f.URL) == "" {
				return fmt.Errorf("files key: url for %q is required: %w", f.Name, errdefs.ErrInvalidArgument)
			}
		}
	case ProvidedKey:
		if strings.TrimSpace(k.Name) == "" {
			return fmt.Errorf("provided key: name is required: %w", errdefs.ErrInvalidArgument)
		}
	case nil:
		return fmt.Errorf("package key is nil: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}

func validateFileName(name string) error {
	if name == "" || name != path.Base(name) || name == "." || name == ".." || strings.Contains(name, `\`) {
		return fmt.Errorf("file name %q must be a plain file name: %w", name, errdefs.ErrInvalidArgument)
	}
	return nil
}

// KeyEnvelope is the wire form of a Key.
type KeyEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeKey wraps key for transport.
func EncodeKey(key Key) (KeyEnvelope, error) {
	if key == nil {
		return KeyEnvelope{}, fmt.Errorf("encode package key: key is nil: %w", errdefs.ErrInvalidArgument)
	}
	data, err := json.Marshal(key)
	if err != nil {
		return KeyEnvelope{}, fmt.Errorf("encode %s package key: %w", key.Kind(), err)
	}
	return KeyEnvelope{Kind: key.Kind(), Data: data}, nil
}

// DecodeKey unwraps an envelope into one of the built-in key types.
func DecodeKey(env KeyEnvelope) (Key, error) {
	var (
		key Key
		err error
	)
	switch env.Kind {
	case KindDirectory:
		var k DirectoryKey
		err = json.Unmarshal(env.Data, &k)
		key = k
	case KindJava:
		var k JavaKey
		err = json.Unmarshal(env.Data, &k)
		key = k
	case KindFiles:
		var k FilesKey
		err = json.Unmarshal(env.Data, &k)
		key = k
	case KindProvided:
		var k ProvidedKey
		err = json.Unmarshal(env.Data, &k)
		key = k
	default:
		return nil, fmt.Errorf("decode package key: unknown kind %q: %w", env.Kind, errdefs.ErrInvalidArgument)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s package key: %w", env.Kind, err)
	}
	return key, nil
}
