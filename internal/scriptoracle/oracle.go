// Package scriptoracle answers "what version is the script?" by
// preferring execution through an external interpreter and falling back
// to a regex scan of the script file, and provides the in-place
// "bump version" mutation used by the hot-reload command.
package scriptoracle

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// probeTimeout bounds the external interpreter subprocess call.
const probeTimeout = 2 * time.Second

var (
	versionMarkerPattern = regexp.MustCompile(`VERSION:(v[0-9]+)`)
	returnQuotedPattern  = regexp.MustCompile(`return\s+"(v[0-9]+)"`)
	anyVersionToken      = regexp.MustCompile(`v[0-9]+`)
	exactVersionPattern  = regexp.MustCompile(`^v([0-9]+)$`)
)

// Oracle reads and mutates the version marker inside a script file,
// optionally probing an external interpreter for a dynamic answer.
type Oracle struct {
	ScriptPath        string
	InterpreterCmd    string
	interpreterRunner func(ctx context.Context, cmd string, args []string) ([]byte, error)
}

// New returns an Oracle. interpreterCmd may be empty, in which case
// Read always falls back to the file scan.
func New(scriptPath, interpreterCmd string) *Oracle {
	return &Oracle{ScriptPath: scriptPath, InterpreterCmd: interpreterCmd}
}

func (o *Oracle) runInterpreter(ctx context.Context, cmd string, args []string) ([]byte, error) {
	if o.interpreterRunner != nil {
		return o.interpreterRunner(ctx, cmd, args)
	}
	c := exec.CommandContext(ctx, cmd, args...)
	var out bytes.Buffer
	c.Stdout = &out
	if err := c.Run(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Read returns the current version tag, preferring the external
// interpreter when both a script path and interpreter command are
// configured and the file exists.
func (o *Oracle) Read(ctx context.Context) string {
	if o.InterpreterCmd != "" && o.ScriptPath != "" {
		if _, err := os.Stat(o.ScriptPath); err == nil {
			if v, ok := o.readViaInterpreter(ctx); ok {
				return v
			}
		}
	}
	return o.readFallback()
}

func (o *Oracle) readViaInterpreter(ctx context.Context) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	expr := `dofile([[` + o.ScriptPath + `]]) ` +
		`if type(runtime_hello) == 'function' then io.write(runtime_hello()) else io.write('v0') end`
	out, err := o.runInterpreter(ctx, o.InterpreterCmd, []string{"-e", expr})
	if err != nil {
		return "", false
	}
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

// readFallback scans the file's raw text for a version marker, without
// involving the interpreter.
func (o *Oracle) readFallback() string {
	if o.ScriptPath == "" {
		return "v0"
	}
	content, err := os.ReadFile(o.ScriptPath)
	if err != nil {
		return "v0"
	}
	if m := versionMarkerPattern.FindSubmatch(content); m != nil {
		return string(m[1])
	}
	if m := returnQuotedPattern.FindSubmatch(content); m != nil {
		return string(m[1])
	}
	return "v0"
}

func nextVersion(version string) string {
	m := exactVersionPattern.FindStringSubmatch(version)
	if m == nil {
		return "v1"
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return "v1"
	}
	return "v" + strconv.Itoa(n+1)
}

// Bump mutates the script file in place: if absent, it creates a
// canonical v1 body; otherwise it replaces every vN-shaped token with
// the next version, appending a VERSION: marker line if the
// substitution leaves the text unchanged.
func (o *Oracle) Bump() error {
	if o.ScriptPath == "" {
		return nil
	}
	if _, err := os.Stat(o.ScriptPath); os.IsNotExist(err) {
		if dir := filepath.Dir(o.ScriptPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		return os.WriteFile(o.ScriptPath, []byte("-- VERSION:v1\nfunction runtime_hello()\n  return \"v1\"\nend\n"), 0o644)
	}

	content, err := os.ReadFile(o.ScriptPath)
	if err != nil {
		return err
	}
	current := o.readFallback()
	next := nextVersion(current)
	replaced := anyVersionToken.ReplaceAllString(string(content), next)
	if replaced == string(content) {
		replaced = string(content) + "\n-- VERSION:" + next + "\n"
	}
	return os.WriteFile(o.ScriptPath, []byte(replaced), 0o644)
}
