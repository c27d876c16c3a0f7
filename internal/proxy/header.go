package proxy

import (
	"strings"
)

// Headers the proxy always sets itself; client copies are not forwarded.
var rewrittenHeaders = map[string]bool{
	"host":             true,
	"connection":       true,
	"proxy-connection": true,
	"user-agent":       true,
}

// buildUpstreamRequest renders the HTTP/1.0 request sent to the origin: the
// request line, Host (the client's if it sent one), the fixed connection and
// user agent headers, then every other client header in its original order.
func buildUpstreamRequest(t Target, req *request, userAgent string) []byte {
	host, ok := req.header("Host")
	if !ok || host == "" {
		host = t.HostHeader()
	}

	var b strings.Builder
	b.WriteString("GET ")
	b.WriteString(t.Path)
	b.WriteString(" HTTP/1.0\r\n")
	b.WriteString("Host: " + host + "\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("Proxy-Connection: close\r\n")
	b.WriteString("User-Agent: " + userAgent + "\r\n")
	for _, h := range req.Headers {
		if rewrittenHeaders[strings.ToLower(h.Name)] {
			continue
		}
		b.WriteString(h.Raw)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
