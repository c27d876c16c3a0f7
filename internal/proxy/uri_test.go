package proxy

import (
	"errors"
	"testing"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		in   string
		want Target
	}{
		{"http://example.com/a.html", Target{"example.com", 80, "/a.html"}},
		{"http://example.com", Target{"example.com", 80, "/"}},
		{"HTTP://example.com:8080/x/y?z=1", Target{"example.com", 8080, "/x/y?z=1"}},
		{"example.com:15213/home.html", Target{"example.com", 15213, "/home.html"}},
		{"localhost", Target{"localhost", 80, "/"}},
		{"http://example.com?q=1", Target{"example.com", 80, "/?q=1"}},
		{"http://example.com:/", Target{"example.com", 80, "/"}},
		{"http://[::1]:8080/", Target{"::1", 8080, "/"}},
		{"http://[::1]/index", Target{"::1", 80, "/index"}},
		{"example.com/go?to=http://other/", Target{"example.com", 80, "/go?to=http://other/"}},
	}
	for _, tt := range tests {
		got, err := ParseURI(tt.in)
		if err != nil {
			t.Errorf("ParseURI(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseURI(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseURI_Rejects(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"http:///path", ErrMalformedURI},
		{"http://", ErrMalformedURI},
		{"/just/a/path", ErrMalformedURI},
		{"http://:8080/", ErrMalformedURI},
		{"http://example.com:http/", ErrMalformedURI},
		{"http://example.com:70000/", ErrMalformedURI},
		{"http://example.com:0/", ErrMalformedURI},
		{"http://user@example.com/", ErrMalformedURI},
		{"http://[::1/", ErrMalformedURI},
		{"http://::1/", ErrMalformedURI},
		{"https://example.com/", ErrUnsupportedScheme},
		{"ftp://example.com/", ErrUnsupportedScheme},
	}
	for _, tt := range tests {
		if _, err := ParseURI(tt.in); !errors.Is(err, tt.want) {
			t.Errorf("ParseURI(%q) error = %v, want %v", tt.in, err, tt.want)
		}
	}
}

func TestTarget_HostHeader(t *testing.T) {
	tests := []struct {
		t    Target
		want string
	}{
		{Target{Host: "example.com", Port: 80}, "example.com"},
		{Target{Host: "example.com", Port: 8080}, "example.com:8080"},
		{Target{Host: "::1", Port: 80}, "[::1]"},
		{Target{Host: "::1", Port: 81}, "[::1]:81"},
	}
	for _, tt := range tests {
		if got := tt.t.HostHeader(); got != tt.want {
			t.Errorf("HostHeader(%+v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}
