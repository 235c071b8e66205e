package attachment

import (
	"context"
	"errors"
	"io"
)

// ErrInfected is returned by scanners for files that must not be kept
var ErrInfected = errors.New("file failed malware scan")

// Scanner inspects file content before upload. Implementations call a real
// scanning service; none is bundled.
type Scanner interface {
	Scan(ctx context.Context, name string, content io.Reader) error
}

// ScannerFunc adapts a function to the Scanner interface
type ScannerFunc func(ctx context.Context, name string, content io.Reader) error

// Scan calls f
func (f ScannerFunc) Scan(ctx context.Context, name string, content io.Reader) error {
	return f(ctx, name, content)
}
