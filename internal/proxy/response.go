package proxy

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// writeClientError sends an HTTP/1.0 error page. cause names what was wrong
// (a method, a URI) and msg explains it.
func writeClientError(w io.Writer, code int, cause, msg string) error {
	reason := http.StatusText(code)
	body := fmt.Sprintf("<html><title>Proxy Error</title><body bgcolor=\"ffffff\">\r\n"+
		"%d: %s\r\n"+
		"<p>%s: %s\r\n"+
		"<hr><em>edd-proxy</em>\r\n"+
		"</body></html>\r\n",
		code, reason, html.EscapeString(msg), html.EscapeString(cause))

	head := fmt.Sprintf("HTTP/1.0 %d %s\r\n"+
		"Content-type: text/html\r\n"+
		"Content-length: %d\r\n"+
		"\r\n", code, reason, len(body))

	_, err := io.WriteString(w, head+body)
	return err
}

// parseResponseStatus extracts the status code and text from the start of a
// response. It returns 0 if data does not begin with a status line.
func parseResponseStatus(data []byte) (int, string) {
	// Look for "HTTP/1.x NNN Status Text\r\n"
	str := string(data[:min(len(data), 128)])
	idx := strings.IndexAny(str, "\r\n")
	if idx == -1 {
		return 0, ""
	}

	statusLine := str[:idx]
	if !strings.HasPrefix(statusLine, "HTTP/") {
		return 0, ""
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return 0, ""
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, ""
	}

	statusText := ""
	if len(parts) >= 3 {
		statusText = parts[2]
	}
	return code, statusText
}
