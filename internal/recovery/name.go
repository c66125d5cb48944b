package recovery

import (
	"errors"
	"regexp"
	"strings"
)

// ErrTunnelNameMissing is returned when a conflict line carries no usable
// tunnel name. Recovery never guesses one.
var ErrTunnelNameMissing = errors.New("无法获取隧道名称，请手动处理")

// sanitizedTokenPrefix is what the frpc supervisor leaves in front of a proxy
// name after masking the user token.
const sanitizedTokenPrefix = "***TOKEN***."

var bracketed = regexp.MustCompile(`\[([^\]]+)\]`)

// ExtractTunnelName returns the last bracketed token of message without the
// masked-token prefix.
func ExtractTunnelName(message string) (string, error) {
	matches := bracketed.FindAllStringSubmatch(message, -1)
	if len(matches) == 0 {
		return "", ErrTunnelNameMissing
	}
	name := strings.TrimSpace(matches[len(matches)-1][1])
	name = strings.TrimSpace(strings.TrimPrefix(name, sanitizedTokenPrefix))
	if name == "" {
		return "", ErrTunnelNameMissing
	}
	return name, nil
}
