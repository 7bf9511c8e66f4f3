package plugin

import (
	coreerrors "sourcebot/core/errors"

	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

var sha256Pattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// ErrChecksumMismatch is returned when a file does not hash to its expected digest.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Checksum returns the hex sha256 digest of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile checks that path hashes to expected (hex sha256, case-insensitive).
func VerifyFile(path, expected string) error {
	actual, err := Checksum(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, strings.TrimSpace(expected)) {
		return fmt.Errorf("%s: %w: want %s, got %s", path, ErrChecksumMismatch, expected, actual)
	}
	return nil
}

// VerifyEntryPoint checks the descriptor's checksum against the shared object at
// path. Descriptors without a checksum pass.
func (d *Descriptor) VerifyEntryPoint(path string) error {
	if d.Checksum == "" {
		return nil
	}
	if err := VerifyFile(path, d.Checksum); err != nil {
		return invalid(d.Name, err)
	}
	return nil
}

// readSidecar returns the digest stored next to an archive as "<archive>.sha256",
// in sha256sum format ("<digest>  <file>") or as the bare digest. ok is false when
// there is no sidecar.
func readSidecar(archive string) (digest string, ok bool, err error) {
	data, err := os.ReadFile(archive + ".sha256")
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 || !sha256Pattern.MatchString(fields[0]) {
		return "", false, &coreerrors.ModuleLoadError{
			Module: archiveStem(archive),
			Kind:   coreerrors.InvalidDescriptor,
			Err:    fmt.Errorf("malformed checksum file %s.sha256", archive),
		}
	}
	return fields[0], true, nil
}
