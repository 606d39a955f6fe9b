package sbom

import (
	"bytes"
	"fmt"
)

// GenerationError is the marker every Search Engine failure mode satisfies,
// standing in for the original implementation's SBOMGenerationError base
// exception class: callers type-switch on the concrete type (or use
// errors.As) rather than catching a common superclass.
type GenerationError interface {
	error
	isGenerationError()
}

// NonZeroExit reports that the traced command failed without ever accessing
// a missing file, so no package install could possibly help.
type NonZeroExit struct {
	Message string
}

func (e *NonZeroExit) Error() string   { return e.Message }
func (*NonZeroExit) isGenerationError() {}

// PackageResolutionError reports that no candidate package (or none left
// untried) could explain the command's missing files. It carries the
// command's output and the best partial SBOM discovered along the way, for
// display to an interactive user.
type PackageResolutionError struct {
	Message       string
	CommandOutput []byte
	PartialSBOM   SBOM
}

func (e *PackageResolutionError) Error() string   { return e.Message }
func (*PackageResolutionError) isGenerationError() {}

// CommandOutputString returns CommandOutput as a string, byte for byte;
// invalid UTF-8 is neither escaped nor replaced.
func (e *PackageResolutionError) CommandOutputString() string {
	return decodeOutput(e.CommandOutput)
}

// PreinstallError reports that installing a candidate package failed.
type PreinstallError struct {
	Message string
	Output  []byte
}

func (e *PreinstallError) Error() string   { return e.Message }
func (*PreinstallError) isGenerationError() {}

// DiskExhausted reports whether the install failure was due to the
// container engine's storage running out of space — a fatal condition that
// aborts the whole search rather than merely pruning one candidate.
func (e *PreinstallError) DiskExhausted() bool {
	return bytes.Contains(e.Output, []byte("enough free space"))
}

// IrrelevantPackageInstall reports that installing the just-tried package
// produced the exact same retval and output as its parent step: the install
// changed nothing observable, so this branch is abandoned.
type IrrelevantPackageInstall struct {
	Message string
}

func (e *IrrelevantPackageInstall) Error() string   { return e.Message }
func (*IrrelevantPackageInstall) isGenerationError() {}

func decodeOutput(output []byte) string {
	if len(output) == 0 {
		return ""
	}
	return fmt.Sprintf("%s", output)
}
