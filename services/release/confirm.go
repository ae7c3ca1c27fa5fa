package release

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Confirmer asks the operator to approve an action.
type Confirmer func(prompt string) (bool, error)

// AlwaysConfirm approves every prompt (--yes).
func AlwaysConfirm(string) (bool, error) { return true, nil }

// PromptConfirmer reads a y/N answer from in.
func PromptConfirmer(in io.Reader, out io.Writer) Confirmer {
	reader := bufio.NewReader(in)
	return func(prompt string) (bool, error) {
		fmt.Fprintf(out, "%s [y/N]: ", prompt)
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

// TerminalConfirmer prompts on stdin, refusing to guess when stdin is not a
// terminal.
func TerminalConfirmer(in *os.File, out io.Writer) Confirmer {
	prompt := PromptConfirmer(in, out)
	return func(p string) (bool, error) {
		if !term.IsTerminal(int(in.Fd())) {
			return false, fmt.Errorf("%w: confirmation needs a terminal, pass --yes to skip it", ErrAborted)
		}
		return prompt(p)
	}
}
