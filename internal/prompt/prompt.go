// Package prompt reads answers from the user's terminal.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrEmpty is returned when a required answer is blank.
var ErrEmpty = errors.New("no input given")

// UserPrompter handles user input prompting
type UserPrompter interface {
	// PromptString prompts the user for a string input
	PromptString(message string) (string, error)
	// PromptSecret prompts for sensitive input, hidden on a terminal
	PromptSecret(message string) (string, error)
	// PromptConfirm prompts for yes/no confirmation
	PromptConfirm(message string) (bool, error)
}

// ConsolePrompter implements UserPrompter for console input
type ConsolePrompter struct {
	in     io.Reader
	reader *bufio.Reader
	out    io.Writer
}

// NewConsolePrompter prompts on stdout and reads stdin.
func NewConsolePrompter() *ConsolePrompter {
	return NewPrompter(os.Stdin, os.Stdout)
}

// NewPrompter prompts on out and reads in. Secrets are hidden only when in
// is a terminal.
func NewPrompter(in io.Reader, out io.Writer) *ConsolePrompter {
	return &ConsolePrompter{in: in, reader: bufio.NewReader(in), out: out}
}

// PromptString prompts the user for a string input
func (p *ConsolePrompter) PromptString(message string) (string, error) {
	fmt.Fprint(p.out, message)
	input, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && input != "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// PromptSecret prompts for a password.
func (p *ConsolePrompter) PromptSecret(message string) (string, error) {
	f, ok := p.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return p.PromptString(message)
	}

	fmt.Fprint(p.out, message)
	secret, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

// PromptConfirm prompts for yes/no confirmation
func (p *ConsolePrompter) PromptConfirm(message string) (bool, error) {
	input, err := p.PromptString(fmt.Sprintf("%s [y/N]: ", message))
	if err != nil {
		return false, err
	}
	input = strings.ToLower(input)
	return input == "y" || input == "yes", nil
}

// Credentials asks for any of username and password that are empty.
func Credentials(p UserPrompter, username, password string) (string, string, error) {
	var err error
	if username == "" {
		if username, err = p.PromptString("用户名: "); err != nil {
			return "", "", err
		}
		if username == "" {
			return "", "", fmt.Errorf("username: %w", ErrEmpty)
		}
	}
	if password == "" {
		if password, err = p.PromptSecret("密码: "); err != nil {
			return "", "", err
		}
		if password == "" {
			return "", "", fmt.Errorf("password: %w", ErrEmpty)
		}
	}
	return username, password, nil
}
