package shell

import (
	"io"
	"os/exec"
)

// We prefer to return stderr over the process exit code
type ExitErrorVerbose struct {
	E exec.ExitError
}

func (e ExitErrorVerbose) Error() string {
	if len(e.E.Stderr) != 0 {
		return string(e.E.Stderr)
	}
	return e.E.Error()
}

func Run(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", ExitErrorVerbose{*exitErr}
		}
		return "", err
	}
	return string(out), nil
}

// RunCombinedOutput runs a program and returns stdout+stderr interleaved.
// Useful for tools like ffmpeg that write their diagnostics to stderr.
func RunCombinedOutput(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// RunWithStdin runs a program, streams 'input' into its stdin, and waits for it to exit.
func RunWithStdin(input io.Reader, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin = input
	out, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitErr.Stderr = out
			return ExitErrorVerbose{*exitErr}
		}
		return err
	}
	return nil
}
