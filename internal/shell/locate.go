package shell

import "strings"

// parseLocationReply picks the directory path out of the lines a shell
// echoes back for a location query. The reply is buried between prompt
// echoes and table headers, so everything that cannot be a path is
// filtered out and the first plausible candidate wins.
func parseLocationReply(lines []OutputLine) (string, bool) {
	for _, line := range lines {
		text := strings.TrimSpace(line.Text)
		if text == "" {
			continue
		}
		if isPromptEcho(text) {
			continue
		}
		if strings.HasPrefix(text, "----") {
			continue
		}
		if strings.EqualFold(text, "Path") {
			continue
		}
		if looksLikePath(text) {
			return text, true
		}
	}
	return "", false
}

// isPromptEcho matches interactive prompt lines such as "PS C:\Users>".
func isPromptEcho(text string) bool {
	return strings.HasPrefix(text, "PS ") &&
		(strings.HasSuffix(text, ">") || strings.Contains(text, "> "))
}

// looksLikePath accepts drive-qualified paths ("C:\...") and anything else
// with a separator-like colon, which covers PSDrive paths too.
func looksLikePath(text string) bool {
	return strings.Contains(text, ":") && len(text) > 2
}
