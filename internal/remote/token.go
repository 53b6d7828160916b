package remote

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// TokenSource supplies the bearer credential for each request. Acquiring and
// refreshing tokens is somebody else's job; a source only hands out the
// current one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

// Token implements [TokenSource].
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// FileToken reads the token from a file on every request, so an external
// process can rotate it without restarting the daemon.
type FileToken string

// Token implements [TokenSource].
func (f FileToken) Token(context.Context) (string, error) {
	b, err := os.ReadFile(string(f))
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", fmt.Errorf("token file %s is empty", string(f))
	}
	return tok, nil
}
