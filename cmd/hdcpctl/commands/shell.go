package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
)

var (
	errShellNested = errors.New("already in the shell")
	errShellUse    = errors.New("usage: use <tx|rx>")
)

// directionalCommands take an optional leading direction argument.
var directionalCommands = []string{"auth", "enable", "disable", "reset"}

// shellHelp is printed by the help builtin.
const shellHelp = `Builtins:
  use <tx|rx>        select the engine the shell drives (default tx)
  up | down          report the selected engine's physical link state
  s                  status
  help | ?           this message
  exit | quit        leave the shell

Commands:
  status, info, auth [--wait 5s], enable, disable, reset, phy <up|down>,
  encrypt <on|off> <streams>, watch, version

auth, enable, disable, reset and phy act on the selected engine unless a
direction is given.
`

// shell is a REPL over the root command with a sticky engine direction.
type shell struct {
	dir string
	out io.Writer
	run func(args []string) error
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive hdcpctl shell",
		Long:  "Reads hdcpctl commands from stdin. The prompt shows the selected engine and its state.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			sh := &shell{
				dir: hdcp.DirectionTx.String(),
				out: os.Stdout,
				run: func(args []string) error {
					rootCmd.SetArgs(args)
					return rootCmd.Execute()
				},
			}
			fmt.Fprintln(sh.out, "gohdcp shell. 'help' lists commands.")
			return sh.loop(os.Stdin)
		},
	}
}

func (s *shell) loop(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for s.prompt(); scanner.Scan(); s.prompt() {
		quit, err := s.eval(scanner.Text())
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		if quit {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

// prompt shows the selected engine and, when the daemon answers, its state.
func (s *shell) prompt() {
	fmt.Fprintf(s.out, "hdcpctl [%s %s]> ", s.dir, s.engineState())
}

func (s *shell) engineState() string {
	if client == nil {
		return "?"
	}
	ctx, cancel := callContext()
	defer cancel()

	raw, err := client.Status(ctx)
	if err != nil {
		return "?"
	}
	st, err := decodeStatus(raw)
	if err != nil {
		return "?"
	}
	if s.dir == hdcp.DirectionRx.String() {
		return st.Receiver.State
	}
	return st.Transmitter.State
}

// eval runs one input line and reports whether the shell should exit.
func (s *shell) eval(line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "exit", "quit":
		return true, nil
	case "help", "?":
		fmt.Fprint(s.out, shellHelp)
		return false, nil
	case "shell":
		return false, errShellNested
	case "use":
		if len(fields) != 2 {
			return false, errShellUse
		}
		d, err := hdcp.ParseDirection(fields[1])
		if err != nil {
			return false, err
		}
		s.dir = d.String()
		return false, nil
	}

	return false, s.run(s.expand(fields))
}

// expand rewrites shortcuts and fills in the selected direction.
func (s *shell) expand(fields []string) []string {
	name, rest := fields[0], fields[1:]
	switch {
	case name == "s":
		return append([]string{"status"}, rest...)
	case name == "up" || name == "down":
		return append([]string{"phy", s.dir, name}, rest...)
	case name == "phy" && len(rest) == 1:
		return []string{"phy", s.dir, rest[0]}
	case slices.Contains(directionalCommands, name) && !hasDirection(rest):
		return append([]string{name, s.dir}, rest...)
	}
	return fields
}

func hasDirection(args []string) bool {
	if len(args) == 0 {
		return false
	}
	_, err := hdcp.ParseDirection(args[0])
	return err == nil
}
