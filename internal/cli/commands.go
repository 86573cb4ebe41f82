package cli

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
)

// Process exit codes. Schedulers can tell a broken deployment from a run
// that could not reach its collaborators.
const (
	ExitOK                = 0
	ExitFailure           = 1
	ExitConfig            = 2
	ExitNoEgress          = 3
	ExitInvalidPopulation = 4
)

var initOnce sync.Once

// Execute runs the root command with the given arguments
func Execute(args []string) error {
	InitCLI()
	RootCmd.SetArgs(args)
	return RootCmd.Execute()
}

// ExecuteWithErrorCode runs the root command, prints a failure to the
// command's error stream and maps it to an exit code.
func ExecuteWithErrorCode(args []string) int {
	err := Execute(args)
	if err != nil {
		fmt.Fprintf(RootCmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return ExitCode(err)
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		parseErr      *errors.ErrConfigParse
		validationErr *errors.ErrConfigValidation
		notFoundErr   *errors.ErrConfigNotFound
	)
	switch {
	case stderrors.As(err, &parseErr), stderrors.As(err, &validationErr), stderrors.As(err, &notFoundErr):
		return ExitConfig
	}

	switch errors.Reason(err) {
	case "no_egress":
		return ExitNoEgress
	case "invalid_population":
		return ExitInvalidPopulation
	default:
		return ExitFailure
	}
}

// InitCLI registers the global flags once. Subcommands add themselves in
// their init functions.
func InitCLI() {
	initOnce.Do(InitRoot)
}
