package frpc

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// MaskedToken replaces the user token in frpc output.
const MaskedToken = "***TOKEN***"

// CleanLine strips terminal escape sequences from an frpc output line and
// masks the user token in it.
func CleanLine(line, token string) string {
	return MaskToken(ansi.Strip(line), token)
}

// MaskToken hides token in message. Besides the full token it masks either
// half of a dotted token and any prefix of eight or more characters, which
// is how frpc truncates long identifiers.
func MaskToken(message, token string) string {
	if token == "" {
		return message
	}
	result := strings.ReplaceAll(message, token, MaskedToken)

	if dot := strings.IndexByte(token, '.'); dot >= 0 {
		first, second := token[:dot], token[dot+1:]
		if len(first) >= 6 {
			result = strings.ReplaceAll(result, first, "***")
		}
		if len(second) >= 6 {
			result = strings.ReplaceAll(result, second, "***")
		}
	}

	if len(token) >= 10 {
		for n := len(token); n >= 8; n-- {
			prefix := token[:n]
			if strings.Contains(result, prefix) {
				result = strings.ReplaceAll(result, prefix, "***")
			}
		}
	}
	return result
}

// maskArgs hides the token argument in a command line for logging.
func maskArgs(args []string) []string {
	masked := make([]string, len(args))
	copy(masked, args)
	for i := 0; i < len(masked)-1; i++ {
		if masked[i] == "-u" {
			masked[i+1] = MaskedToken
		}
	}
	return masked
}
