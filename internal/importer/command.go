package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// CommandFormatID runs an external tool over the source.
const CommandFormatID = "command"

// Command format parameters.
const (
	ParamCommand = "command"
	ParamEnv     = "env"
)

// CommandFormat pipes the source into a shell command and stores its stdout.
//
// The command runs in the source file's directory with an empty environment
// plus the variables listed in the env parameter, and ASSET_KEY / ASSET_PATH.
// A non-zero exit status is an import failure.
func CommandFormat() Format {
	return Format{
		ID:      CommandFormatID,
		Version: 1,
		Import:  runCommand,
	}
}

func runCommand(ctx context.Context, src *Source) ([]Artifact, error) {
	script, ok := src.Params.String(ParamCommand)
	if !ok || strings.TrimSpace(script) == "" {
		return nil, errors.New("command parameter is required")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = filepath.Dir(src.AbsPath)
	cmd.Env = commandEnv(src)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = bytes.NewReader(src.Data)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			// Negative PID: the whole process group.
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, fmt.Errorf("command cancelled: %w", ctx.Err())
	case err = <-done:
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if len(msg) > 512 {
				msg = msg[:512]
			}
			return nil, fmt.Errorf("command exited with status %d: %s", exitErr.ExitCode(), msg)
		}
		return nil, fmt.Errorf("running command: %w", err)
	}

	return []Artifact{{Path: outputPath(src), Data: stdout.Bytes()}}, nil
}

// commandEnv builds the allow-listed environment. The host environment is
// never inherited.
func commandEnv(src *Source) []string {
	vars := src.Params.StringMap(ParamEnv)
	env := make([]string, 0, len(vars)+2)
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	env = append(env, "ASSET_KEY="+string(src.Key), "ASSET_PATH="+src.AbsPath)
	return env
}
