// Package hashstore fingerprints a task's rendered submission and input
// files, and persists the fingerprint in the task directory.
package hashstore

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileName is the hash record written into every task directory.
const FileName = "hash.txt"

// Input is everything that contributes to a task fingerprint.
type Input struct {
	// Artifact is the rendered submission script or command.
	Artifact string
	// Files are additional rendered files keyed by name.
	Files map[string]string
	// Paths are input files hashed by content. Order does not matter.
	Paths []string
}

// Compute returns the hex sha256 of the artifact, the rendered files in name
// order and the bytes of every input path in sorted path order. Paths only
// fix the order; their names are not hashed, so relocating identical data
// keeps the fingerprint.
func Compute(in Input) (string, error) {
	h := sha256.New()
	writeField(h, []byte(in.Artifact))

	names := make([]string, 0, len(in.Files))
	for name := range in.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeField(h, []byte(name))
		writeField(h, []byte(in.Files[name]))
	}

	for _, path := range sortedUnique(in.Paths) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("hashstore: read input %s: %w", path, err)
		}
		writeField(h, data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// String hashes a single string. Used for short derived identifiers.
func String(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// writeField length-prefixes data so adjacent fields cannot alias.
func writeField(h hash.Hash, data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	h.Write(prefix[:])
	h.Write(data)
}

func sortedUnique(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		clean := filepath.Clean(p)
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
	}
	sort.Strings(out)
	return out
}

// Path returns the hash record location for dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Stored returns the saved fingerprint for dir. A missing record reports
// ok == false with no error, meaning the task never ran.
func Stored(dir string) (string, bool, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("hashstore: read %s: %w", Path(dir), err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", false, nil
	}
	return value, true, nil
}

// Save overwrites the fingerprint for dir, creating dir if needed.
func Save(dir, value string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("hashstore: ensure %s: %w", dir, err)
	}
	tmp := Path(dir) + ".tmp"
	if err := os.WriteFile(tmp, []byte(value+"\n"), 0o644); err != nil {
		return fmt.Errorf("hashstore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, Path(dir)); err != nil {
		return fmt.Errorf("hashstore: commit %s: %w", Path(dir), err)
	}
	return nil
}

// Clear removes the fingerprint so the next run resubmits.
func Clear(dir string) error {
	if err := os.Remove(Path(dir)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("hashstore: remove %s: %w", Path(dir), err)
	}
	return nil
}
