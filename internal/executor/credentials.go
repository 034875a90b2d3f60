package executor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Credentials struct {
	Email    string
	Password string
}

// CredentialSource resolves an account's credential reference to the
// secret material needed for a booking.
type CredentialSource interface {
	Resolve(ctx context.Context, ref string) (Credentials, error)
}

// FileCredentials reads two-line credential files (email, then password)
// from a directory. The reference is the file name without extension.
type FileCredentials struct {
	Dir string
}

func (f FileCredentials) Resolve(_ context.Context, ref string) (Credentials, error) {
	if ref == "" {
		return Credentials{}, fmt.Errorf("empty credential reference")
	}
	if ref != filepath.Base(ref) {
		return Credentials{}, fmt.Errorf("credential reference %q contains a path separator", ref)
	}
	path := filepath.Join(f.Dir, ref+".txt")
	file, err := os.Open(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("open credential file: %w", err)
	}
	defer file.Close()

	var lines []string
	sc := bufio.NewScanner(file)
	for sc.Scan() && len(lines) < 2 {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return Credentials{}, fmt.Errorf("read credential file: %w", err)
	}
	if len(lines) < 2 || lines[0] == "" || lines[1] == "" {
		return Credentials{}, fmt.Errorf("credential file %s: want email and password lines", ref)
	}
	return Credentials{Email: lines[0], Password: lines[1]}, nil
}
