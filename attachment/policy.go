// Package attachment stages user files on an instance: local checks,
// optional scanning, and concurrent upload.
package attachment

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sicko7947/stepflow"
)

// DeniedExtensions are refused everywhere, whatever the step allows
var DeniedExtensions = []string{".exe", ".bat", ".cmd", ".msi", ".scr", ".pif", ".com", ".vbs", ".js", ".jar"}

// Policy holds the local checks applied before a file is staged
type Policy struct {
	MaxFiles          int
	MaxSizeBytes      int64
	DeniedExtensions  []string
	AllowedExtensions []string // empty means anything not denied
}

// PolicyFor builds the policy of a step's attachment limits
func PolicyFor(limits stepflow.AttachmentLimits) Policy {
	return Policy{
		MaxFiles:          limits.MaxFiles,
		MaxSizeBytes:      limits.MaxSizeBytes,
		DeniedExtensions:  DeniedExtensions,
		AllowedExtensions: limits.AllowedExtensions,
	}
}

// Extension returns the lowercased extension a file would open with.
// Trailing dots and spaces are dropped first, since Windows ignores them:
// "invoice.exe." and "invoice.exe " both run as .exe.
func Extension(name string) string {
	return strings.ToLower(filepath.Ext(strings.TrimRight(name, ". ")))
}

// Check validates one file. current is the number of files already holding
// a slot on the instance.
func (p Policy) Check(name string, size int64, current int) *stepflow.FileRejectedError {
	ext := Extension(name)

	if slices.Contains(p.DeniedExtensions, ext) {
		return &stepflow.FileRejectedError{Name: name, Reason: stepflow.RejectExtension,
			Detail: fmt.Sprintf("%s files are not accepted", ext)}
	}
	if len(p.AllowedExtensions) > 0 && !slices.Contains(p.AllowedExtensions, ext) {
		return &stepflow.FileRejectedError{Name: name, Reason: stepflow.RejectExtension,
			Detail: fmt.Sprintf("accepted: %s", strings.Join(p.AllowedExtensions, ", "))}
	}
	if p.MaxSizeBytes > 0 && size > p.MaxSizeBytes {
		return &stepflow.FileRejectedError{Name: name, Reason: stepflow.RejectSize,
			Detail: fmt.Sprintf("%d bytes exceeds the %d byte limit", size, p.MaxSizeBytes)}
	}
	if p.MaxFiles > 0 && current >= p.MaxFiles {
		return &stepflow.FileRejectedError{Name: name, Reason: stepflow.RejectCount,
			Detail: fmt.Sprintf("at most %d files", p.MaxFiles)}
	}
	return nil
}
