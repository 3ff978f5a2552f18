// Package domain defines the core types shared across gated: function
// metadata, code artifacts, credentials, and the small set of errors the
// rest of the service classifies HTTP responses from.
package domain

import (
	"errors"
	"regexp"
	"time"
)

// Language is the closed set of source languages gated accepts for deploy.
type Language string

const (
	LanguageTypeScript     Language = "typescript"
	LanguageJavaScript     Language = "javascript"
	LanguageRust           Language = "rust"
	LanguageGo             Language = "go"
	LanguagePython         Language = "python"
	LanguageCSharp         Language = "csharp"
	LanguageZig            Language = "zig"
	LanguageAssemblyScript Language = "assemblyscript"
)

// ValidLanguage reports whether s is one of the closed set of languages.
func ValidLanguage(s string) bool {
	switch Language(s) {
	case LanguageTypeScript, LanguageJavaScript, LanguageRust, LanguageGo,
		LanguagePython, LanguageCSharp, LanguageZig, LanguageAssemblyScript:
		return true
	}
	return false
}

// CompilesToWasm reports whether l is compiled ahead-of-time to a WebAssembly artifact.
func (l Language) CompilesToWasm() bool {
	switch l {
	case LanguageRust, LanguageGo, LanguageZig, LanguageAssemblyScript:
		return true
	}
	return false
}

// FunctionIDPattern is the spec's id syntax: 1-64 chars, alnum/underscore/hyphen, starting alnum.
var FunctionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidFunctionID reports whether id matches the function-id syntax.
func ValidFunctionID(id string) bool {
	return len(id) >= 1 && len(id) <= 64 && FunctionIDPattern.MatchString(id)
}

// semverPattern matches MAJOR.MINOR.PATCH with an optional pre-release/build suffix.
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z-.]+)?(\+[0-9A-Za-z-.]+)?$`)

// ValidVersion reports whether v is a syntactically valid semver string.
func ValidVersion(v string) bool {
	return semverPattern.MatchString(v)
}

// entryPointPattern rejects path traversal and absolute paths; entryPoint
// must be a plain relative filename/path.
var entryPointPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-/]+$`)

// ValidEntryPoint reports whether e is a safe relative path: no "..", not absolute.
func ValidEntryPoint(e string) bool {
	if e == "" || !entryPointPattern.MatchString(e) {
		return false
	}
	if e[0] == '/' {
		return false
	}
	for _, seg := range splitPath(e) {
		if seg == ".." {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	var segs []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				segs = append(segs, p[start:i])
			}
			start = i + 1
		}
	}
	return segs
}

// DefaultEntryPoint returns the conventional entry point for a language when
// the caller did not supply one.
func DefaultEntryPoint(lang Language) string {
	switch lang {
	case LanguageTypeScript, LanguageJavaScript:
		return "index.ts"
	default:
		return "main"
	}
}

// FunctionMetadata is the registry record for one (id, version) of a deployed function.
type FunctionMetadata struct {
	ID           string            `json:"id"`
	Version      string            `json:"version"`
	Language     Language          `json:"language"`
	EntryPoint   string            `json:"entryPoint"`
	Dependencies map[string]string `json:"dependencies"`
	CreatedAt    *time.Time        `json:"createdAt,omitempty"`
	UpdatedAt    *time.Time        `json:"updatedAt,omitempty"`
	Description  string            `json:"description,omitempty"`
	Author       string            `json:"author,omitempty"`
}

// CredentialRecord is the stored shape of an API key's metadata, keyed by
// the SHA-256 hex digest of the raw key (never the raw key itself).
type CredentialRecord struct {
	UserID     string     `json:"userId,omitempty"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Scopes     []string   `json:"scopes,omitempty"`
	FunctionID string     `json:"functionId,omitempty"`
}

// Sentinel errors classified by the API layer into HTTP status codes.
var (
	ErrNotFound      = errors.New("not found")
	ErrVersionExists = errors.New("version already exists")
)
