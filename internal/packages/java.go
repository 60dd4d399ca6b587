package packages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// InstallationManifest is the file a Java package records its chosen runtime in.
const InstallationManifest = "installation"

type javaPackage struct {
	key JavaKey
}

func (p javaPackage) Key() Key { return p.key }

// Install picks the first installation under the manager's Java roots that
// matches the key and records its path in the package's manifest.
func (p javaPackage) Install(_ context.Context, m *Manager, dir string) (*Local, error) {
	home, err := findJava(m.javaRoots, p.key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create package dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, InstallationManifest), []byte(home+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write java manifest: %w", err)
	}
	slog.Debug("java runtime selected", "component", "package-manager", "home", home, "version", p.key.Version)
	return newLocal(m, p.key, dir), nil
}

func (p javaPackage) Load(m *Manager, dir string) (*Local, error) {
	if _, err := JavaHome(dir); err != nil {
		return nil, err
	}
	return newLocal(m, p.key, dir), nil
}

// JavaHome reads the runtime path recorded in a Java package directory.
func JavaHome(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, InstallationManifest))
	if err != nil {
		return "", fmt.Errorf("read java manifest: %w", err)
	}
	home := strings.TrimSpace(string(data))
	if home == "" {
		return "", fmt.Errorf("java manifest in %s is empty: %w", dir, errdefs.ErrFailedPrecondition)
	}
	return home, nil
}

// javaInstall is a candidate runtime directory.
type javaInstall struct {
	Home    string
	Type    string
	Version string
}

func findJava(roots []string, key JavaKey) (string, error) {
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("scan java root %s: %w", root, err)
		}
		for _, e := range entries {
			home := filepath.Join(root, e.Name())
			if !hasJavaExecutable(home) {
				continue
			}
			typ, version, ok := parseJavaDirName(e.Name())
			if !ok {
				continue
			}
			if matchJava(javaInstall{Home: home, Type: typ, Version: version}, key) {
				return home, nil
			}
		}
	}
	return "", fmt.Errorf("no java %s %s under %v: %w", orAny(key.Type), key.Version, roots, errdefs.ErrNotFound)
}

func orAny(s string) string {
	if s == "" {
		return "runtime"
	}
	return s
}

func hasJavaExecutable(home string) bool {
	bin := filepath.Join(home, "bin", "java")
	info, err := os.Stat(bin)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return unix.Access(bin, unix.X_OK) == nil
}

func matchJava(in javaInstall, key JavaKey) bool {
	if key.Type != "" && key.Type != in.Type {
		return false
	}
	if key.MajorOnly {
		want, ok := javaMajor(key.Version)
		if !ok {
			return false
		}
		got, ok := javaMajor(in.Version)
		return ok && got == want
	}
	return in.Version == key.Version
}

// parseJavaDirName extracts the runtime type and version encoded in an
// installation directory name, e.g. "jdk-17.0.2", "java-11-openjdk-amd64",
// "temurin-21-jre" or "jdk1.8.0_292".
func parseJavaDirName(name string) (typ, version string, ok bool) {
	typ = "jdk"
	tokens := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool { return r == '-' || r == '_' })
	for _, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, "jre"):
			typ = "jre"
			tok = strings.TrimPrefix(tok, "jre")
		case strings.HasPrefix(tok, "jdk"):
			tok = strings.TrimPrefix(tok, "jdk")
		case strings.HasPrefix(tok, "openjdk"):
			tok = strings.TrimPrefix(tok, "openjdk")
		}
		// The first numeric token wins, so "jdk1.8.0_292" stays "1.8.0".
		if version == "" && tok != "" && unicode.IsDigit(rune(tok[0])) {
			version = tok
		}
	}
	return typ, version, version != ""
}

// javaMajor returns the feature release: "1.8.0" → 8, "17.0.2" → 17, "8u292" → 8.
func javaMajor(version string) (int, bool) {
	parts := strings.Split(version, ".")
	first := parts[0]
	if first == "1" && len(parts) > 1 {
		first = parts[1]
	}
	if i := strings.IndexFunc(first, func(r rune) bool { return !unicode.IsDigit(r) }); i >= 0 {
		first = first[:i]
	}
	n, err := strconv.Atoi(first)
	if err != nil {
		return 0, false
	}
	return n, true
}
