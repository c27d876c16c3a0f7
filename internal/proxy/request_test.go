package proxy

import (
	"bufio"
	"errors"
	"strings"
	"testing"
)

func readTestRequest(s string) (*request, error) {
	rr := newRequestReader(bufio.NewReaderSize(strings.NewReader(s), maxHeaderBytes))
	req, err := rr.readRequestLine()
	if err != nil {
		return nil, err
	}
	if err := rr.readHeaders(req); err != nil {
		return nil, err
	}
	return req, nil
}

func TestReadRequest_ParsesLineAndHeaders(t *testing.T) {
	req, err := readTestRequest(
		"GET http://example.com/a.html HTTP/1.1\r\n" +
			"Host: example.com\r\n" +
			"Accept:  text/html \r\n" +
			"\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Method != "GET" || req.Target != "http://example.com/a.html" || req.Version != "HTTP/1.1" {
		t.Fatalf("unexpected request line: %+v", req)
	}
	if len(req.Headers) != 2 {
		t.Fatalf("expected 2 headers, got %d", len(req.Headers))
	}
	if v, _ := req.header("accept"); v != "text/html" {
		t.Fatalf("expected trimmed header value, got %q", v)
	}
	if req.Headers[1].Raw != "Accept:  text/html " {
		t.Fatalf("raw header not preserved: %q", req.Headers[1].Raw)
	}
}

func TestReadRequest_BareLF(t *testing.T) {
	req, err := readTestRequest("GET / HTTP/1.0\nHost: a\n\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, ok := req.header("Host"); !ok || v != "a" {
		t.Fatalf("expected Host a, got %q", v)
	}
}

func TestReadRequest_NoVersion(t *testing.T) {
	req, err := readTestRequest("GET http://example.com/\r\n\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Version != "HTTP/1.0" {
		t.Fatalf("expected default version, got %q", req.Version)
	}
}

func TestReadRequest_EOFAfterHeaders(t *testing.T) {
	req, err := readTestRequest("GET http://example.com/ HTTP/1.0\r\nAccept: */*\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.Headers) != 1 {
		t.Fatalf("expected 1 header, got %d", len(req.Headers))
	}
}

func TestReadRequest_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"empty connection", "", errEmptyRequest},
		{"one field", "GET\r\n\r\n", errMalformedRequest},
		{"too many fields", "GET / HTTP/1.0 extra\r\n\r\n", errMalformedRequest},
		{"bad version", "GET / FTP/1.0\r\n\r\n", errMalformedRequest},
		{"header without colon", "GET / HTTP/1.0\r\nbogus\r\n\r\n", errMalformedRequest},
		{"oversized line", "GET /" + strings.Repeat("a", maxHeaderBytes) + " HTTP/1.0\r\n\r\n", errHeaderTooLarge},
		{"oversized block", "GET / HTTP/1.0\r\n" + strings.Repeat("X-Filler: "+strings.Repeat("b", 100)+"\r\n", 200) + "\r\n", errHeaderTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readTestRequest(tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestBuildUpstreamRequest_RewritesProxyHeaders(t *testing.T) {
	req, err := readTestRequest(
		"GET http://example.com/a.html HTTP/1.1\r\n" +
			"User-Agent: curl/8.0\r\n" +
			"Accept: */*\r\n" +
			"Proxy-Connection: keep-alive\r\n" +
			"connection: keep-alive\r\n" +
			"X-Trace: 1\r\n" +
			"\r\n")
	if err != nil {
		t.Fatal(err)
	}
	target, _ := ParseURI(req.Target)

	got := string(buildUpstreamRequest(target, req, "test-agent"))
	want := "GET /a.html HTTP/1.0\r\n" +
		"Host: example.com\r\n" +
		"Connection: close\r\n" +
		"Proxy-Connection: close\r\n" +
		"User-Agent: test-agent\r\n" +
		"Accept: */*\r\n" +
		"X-Trace: 1\r\n" +
		"\r\n"
	if got != want {
		t.Fatalf("unexpected upstream request:\n%q\nwant:\n%q", got, want)
	}
}

func TestBuildUpstreamRequest_KeepsClientHost(t *testing.T) {
	req, _ := readTestRequest(
		"GET http://example.com:8080/ HTTP/1.0\r\nHOST: virtual.example\r\n\r\n")
	target, _ := ParseURI(req.Target)

	got := string(buildUpstreamRequest(target, req, "ua"))
	if !strings.HasPrefix(got, "GET / HTTP/1.0\r\nHost: virtual.example\r\n") {
		t.Fatalf("client Host not used: %q", got)
	}
	if strings.Count(strings.ToLower(got), "host:") != 1 {
		t.Fatalf("expected exactly one Host header: %q", got)
	}
}

func TestBuildUpstreamRequest_SynthesizesHostWithPort(t *testing.T) {
	req, _ := readTestRequest("GET http://example.com:8080/x HTTP/1.0\r\n\r\n")
	target, _ := ParseURI(req.Target)

	got := string(buildUpstreamRequest(target, req, "ua"))
	if !strings.Contains(got, "\r\nHost: example.com:8080\r\n") {
		t.Fatalf("expected synthesized host with port: %q", got)
	}
}
