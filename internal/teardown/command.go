package teardown

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

type commandRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (string, error)
}

// commandError carries the exit code and combined output of a failed
// command. ExitCode is -1 when the command never ran.
type commandError struct {
	Name     string
	Args     []string
	Dir      string
	ExitCode int
	Output   string
	Err      error
}

func (e *commandError) Error() string {
	text := strings.TrimSpace(e.Output)
	if text == "" && e.Err != nil {
		text = e.Err.Error()
	}
	location := ""
	if strings.TrimSpace(e.Dir) != "" {
		location = " in " + e.Dir
	}
	return fmt.Sprintf("%s %s failed%s: %s", e.Name, strings.Join(e.Args, " "), location, compactText(text))
}

func (e *commandError) Unwrap() error {
	return e.Err
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	text := strings.TrimSpace(stdout.String())
	if err == nil {
		return text, nil
	}
	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	output := strings.TrimSpace(strings.TrimSpace(stderr.String()) + "\n" + text)
	return text, &commandError{
		Name:     name,
		Args:     args,
		Dir:      dir,
		ExitCode: exitCode,
		Output:   output,
		Err:      err,
	}
}

func compactText(text string) string {
	return strings.ReplaceAll(strings.TrimSpace(text), "\n", " | ")
}

func compactErrorText(err error) string {
	if err == nil {
		return ""
	}
	return compactText(err.Error())
}
