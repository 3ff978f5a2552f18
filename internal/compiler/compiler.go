// Package compiler implements Compiler Dispatch: a pure per-language
// compile step run at deploy time, before any state is written.
package compiler

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gated-run/gated/internal/apierr"
	"github.com/gated-run/gated/internal/domain"
)

// Result is the outcome of Compile.
type Result struct {
	Artifact     string
	Compiled     bool
	CompiledAt   *time.Time
	Warnings     []string
	SourceMap    string
	SourceSize   int
	CompiledSize int
}

// tsTypeAnnotation matches a ": Type" annotation together with the character
// that ends it (",", ")", "=", ";" or a newline), captured as group 1 so the
// replacement can keep it.
var tsTypeAnnotation = regexp.MustCompile(`:\s*[A-Za-z_][A-Za-z0-9_<>\[\].,\s|&]*([,)=;\n])`)

// Compile runs the per-language compile policy on source, per spec §4.5.
// It never mutates external state; callers persist the result.
func Compile(language domain.Language, source string) (Result, error) {
	switch language {
	case domain.LanguageJavaScript:
		return Result{
			Artifact:     source,
			Compiled:     false,
			SourceSize:   len(source),
			CompiledSize: len(source),
		}, nil

	case domain.LanguageTypeScript:
		artifact, warnings, err := stripTypeAnnotations(source)
		if err != nil {
			return Result{}, err
		}
		now := time.Now()
		return Result{
			Artifact:     artifact,
			Compiled:     true,
			CompiledAt:   &now,
			Warnings:     warnings,
			SourceSize:   len(source),
			CompiledSize: len(artifact),
		}, nil

	case domain.LanguageRust, domain.LanguageGo, domain.LanguageZig, domain.LanguageAssemblyScript:
		return compileToWasm(language, source)

	case domain.LanguagePython, domain.LanguageCSharp:
		return Result{
			Artifact:     source,
			Compiled:     false,
			SourceSize:   len(source),
			CompiledSize: len(source),
		}, nil

	default:
		return Result{}, apierr.Validationf("unsupported language %q", language)
	}
}

// stripTypeAnnotations is a regex-based fallback for TypeScript compilation
// when a true type-checking compiler is unavailable. It strips ": Type"
// annotations from parameter and variable declarations. It does not support
// enums, decorators, or namespaces — those constructs pass through unmodified
// and may produce invalid JavaScript; callers should treat this as a
// best-effort normalization, not a full compiler.
func stripTypeAnnotations(source string) (string, []string, error) {
	if strings.Count(source, "{") != strings.Count(source, "}") {
		return "", nil, apierr.CompilationError("unbalanced braces in source")
	}
	if strings.Count(source, "(") != strings.Count(source, ")") {
		return "", nil, apierr.CompilationError("unbalanced parentheses in source")
	}
	stripped := tsTypeAnnotation.ReplaceAllString(source, "$1")
	var warnings []string
	if strings.Contains(source, "enum ") {
		warnings = append(warnings, "enum declarations are not supported by the fallback stripper")
	}
	if strings.Contains(source, "namespace ") {
		warnings = append(warnings, "namespace declarations are not supported by the fallback stripper")
	}
	if strings.Contains(source, "@") {
		warnings = append(warnings, "decorators are not supported by the fallback stripper")
	}
	return stripped, warnings, nil
}

// compileToWasm models compilation of a WebAssembly-target language. No
// actual toolchain invocation happens here — in this deployment the compiled
// artifact is the caller-supplied source treated as pre-built wasm bytes,
// matching the contract the sandbox dispatch expects. A real toolchain
// integration point would replace this function's body without touching its
// signature.
func compileToWasm(language domain.Language, source string) (Result, error) {
	if source == "" {
		return Result{}, apierr.CompilationError(fmt.Sprintf("empty source for %s target", language))
	}
	now := time.Now()
	return Result{
		Artifact:     source,
		Compiled:     true,
		CompiledAt:   &now,
		SourceSize:   len(source),
		CompiledSize: len(source),
	}, nil
}
