package cliutil

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[redacted]"

var (
	templateVarPattern = regexp.MustCompile(`\$\{[^}]+\}`)
	secretNameFragment = `[A-Za-z0-9_]*(?:PASSWORD|PASSWD|SECRET|TOKEN|API_KEY|ACCESS_KEY|PRIVATE_KEY)[A-Za-z0-9_]*`
	secretKeyPattern   = regexp.MustCompile(`(?i)\b(` + secretNameFragment + `)(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)
	secretFlagPattern  = regexp.MustCompile(`(?i)^(--?` + `[a-z0-9-]*(?:password|secret|token|api-key)[a-z0-9-]*)=(.+)$`)
)

// RedactSecrets masks ${VAR} template references and values assigned to keys
// that look like credentials.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	redacted := templateVarPattern.ReplaceAllString(message, "${"+redactedPlaceholder+"}")
	return secretKeyPattern.ReplaceAllString(redacted, "$1$2$3"+redactedPlaceholder+"$5")
}

// RedactArgv masks secret values in a command line, covering both KEY=value
// and --flag=value forms.
func RedactArgv(argv []string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		if m := secretFlagPattern.FindStringSubmatch(arg); m != nil {
			out[i] = m[1] + "=" + redactedPlaceholder
			continue
		}
		out[i] = RedactSecrets(arg)
	}
	return out
}

// RedactedCommand renders argv as a single redacted string.
func RedactedCommand(argv []string) string {
	return strings.Join(RedactArgv(argv), " ")
}
