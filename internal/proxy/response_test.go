package proxy

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestWriteClientError_WellFormed(t *testing.T) {
	var buf bytes.Buffer
	if err := writeClientError(&buf, http.StatusNotImplemented, "POST", "Proxy does not implement this method"); err != nil {
		t.Fatal(err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(&buf), nil)
	if err != nil {
		t.Fatalf("error page is not a valid response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 501 || resp.Proto != "HTTP/1.0" {
		t.Fatalf("unexpected status line %s %s", resp.Proto, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if int64(len(body)) != resp.ContentLength {
		t.Fatalf("content length %d does not match body %d", resp.ContentLength, len(body))
	}
	if !strings.Contains(string(body), "POST") || !strings.Contains(string(body), "Not Implemented") {
		t.Fatalf("body does not name method and reason: %s", body)
	}
}

func TestWriteClientError_EscapesCause(t *testing.T) {
	var buf bytes.Buffer
	writeClientError(&buf, http.StatusBadRequest, "<script>", "Malformed URI")
	if strings.Contains(buf.String(), "<script>") {
		t.Fatal("cause was not escaped")
	}
}

func TestParseResponseStatus(t *testing.T) {
	tests := []struct {
		in   string
		code int
		text string
	}{
		{"HTTP/1.0 200 OK\r\n\r\n", 200, "OK"},
		{"HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n", 404, "Not Found"},
		{"HTTP/1.1 204\n", 204, ""},
		{"<html>no status</html>\n", 0, ""},
		{"HTTP/1.0 abc OK\r\n", 0, ""},
		{"HTTP/1.0 200 OK", 0, ""},
	}
	for _, tt := range tests {
		code, text := parseResponseStatus([]byte(tt.in))
		if code != tt.code || text != tt.text {
			t.Errorf("parseResponseStatus(%q) = %d %q, want %d %q", tt.in, code, text, tt.code, tt.text)
		}
	}
}
