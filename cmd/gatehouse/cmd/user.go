package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/internal/util"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users in the configured credential store",
}

var (
	userEmail string
	userRole  string
)

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create a user; the password is prompted for or read from piped stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := auth.ParseRole(userRole)
		if err != nil {
			return err
		}
		password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		return withManager(cmd, func(m *auth.Manager) error {
			u, err := m.CreateUser(cmd.Context(), args[0], userEmail, password, role)
			if err != nil {
				return fmt.Errorf("creating user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) with role %s\n", u.Username, u.ID, u.Role)
			return nil
		})
	},
}

var userRoleCmd = &cobra.Command{
	Use:   "role <username> <admin|user>",
	Short: "Change a user's role and end their sessions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := auth.ParseRole(args[1])
		if err != nil {
			return err
		}
		return withManager(cmd, func(m *auth.Manager) error {
			u, err := m.Users().FindByUsername(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := m.SetRole(cmd.Context(), u.ID, role); err != nil {
				return fmt.Errorf("updating role: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", u.Username, role)
			return nil
		})
	},
}

var userStatusCmd = &cobra.Command{
	Use:   "status <username> <active|inactive>",
	Short: "Activate or deactivate a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := auth.ParseStatus(args[1])
		if err != nil {
			return err
		}
		return withManager(cmd, func(m *auth.Manager) error {
			u, err := m.Users().FindByUsername(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := m.SetStatus(cmd.Context(), u.ID, status); err != nil {
				return fmt.Errorf("updating status: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", u.Username, status)
			return nil
		})
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(m *auth.Manager) error {
			users, err := m.Users().List(cmd.Context())
			if err != nil {
				return err
			}
			return printUsers(cmd.OutOrStdout(), users)
		})
	},
}

func printUsers(out io.Writer, users []*auth.UserRecord) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tROLE\tSTATUS\tFAILURES\tLAST LOGIN")
	for _, u := range users {
		last := "never"
		if u.LastLoginAt != nil {
			last = u.LastLoginAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", u.Username, u.Role, u.Status, u.FailedAttempts, last)
	}
	return tw.Flush()
}

// Test seams for the terminal. terminalFd reports the descriptor of r when
// r is an interactive terminal.
var (
	terminalFd = func(r io.Reader) (int, bool) {
		f, ok := r.(*os.File)
		if !ok || !term.IsTerminal(int(f.Fd())) {
			return 0, false
		}
		return int(f.Fd()), true
	}
	readTerminalPassword = term.ReadPassword
)

var errPasswordMismatch = errors.New("passwords do not match")

// readPassword prompts on prompt and reads without echo when in is a
// terminal. Piped input is read as a single line.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	fd, ok := terminalFd(in)
	if !ok {
		return readPasswordLine(in)
	}
	first, err := promptPassword(fd, prompt, "Password: ")
	if err != nil {
		return "", err
	}
	defer util.Wipe(first)
	second, err := promptPassword(fd, prompt, "Repeat password: ")
	if err != nil {
		return "", err
	}
	defer util.Wipe(second)
	if len(first) == 0 {
		return "", fmt.Errorf("no password given")
	}
	if string(first) != string(second) {
		return "", errPasswordMismatch
	}
	return string(first), nil
}

func promptPassword(fd int, prompt io.Writer, label string) ([]byte, error) {
	fmt.Fprint(prompt, label)
	pw, err := readTerminalPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	return pw, nil
}

// readPasswordLine reads the first line of r.
func readPasswordLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("no password given on stdin")
	}
	return password, nil
}

func withManager(cmd *cobra.Command, fn func(m *auth.Manager) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	m, s, err := newManager(cmd.Context(), cfg, auth.WithLogger(newLogger(cfg.LogLevel)))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(m)
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd, userRoleCmd, userStatusCmd, userListCmd)
	userAddCmd.Flags().StringVar(&userEmail, "email", "", "Email address")
	userAddCmd.Flags().StringVar(&userRole, "role", string(auth.RoleUser), "Role: admin or user")
}
