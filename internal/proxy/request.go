package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// maxHeaderBytes caps the request line plus headers, matching the gateway's
// 16 KiB safety limit.
const maxHeaderBytes = 16384

var (
	errEmptyRequest     = errors.New("connection closed before a request line")
	errMalformedRequest = errors.New("malformed request")
	errHeaderTooLarge   = errors.New("request header too large")
)

// headerField is one client header line. Raw keeps the line as sent, without
// its line terminator, so pass-through headers are forwarded unmodified.
type headerField struct {
	Name  string
	Value string
	Raw   string
}

type request struct {
	Method  string
	Target  string
	Version string
	Headers []headerField
}

// header returns the value of the first header called name.
func (r *request) header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// requestReader reads one request from a client, charging every line against
// the header budget. The reader should be sized maxHeaderBytes so a single
// oversized line surfaces as bufio.ErrBufferFull.
type requestReader struct {
	r      *bufio.Reader
	budget int
}

func newRequestReader(r *bufio.Reader) *requestReader {
	return &requestReader{r: r, budget: maxHeaderBytes}
}

// readRequestLine reads and splits the request line. The returned request
// has no headers yet.
func (rr *requestReader) readRequestLine() (*request, error) {
	line, err := readLine(rr.r, &rr.budget)
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			return nil, errEmptyRequest
		}
		return nil, err
	}

	fields := strings.Fields(line)
	if len(fields) < 2 || len(fields) > 3 {
		return nil, fmt.Errorf("%w: request line %q", errMalformedRequest, line)
	}
	req := &request{Method: fields[0], Target: fields[1], Version: "HTTP/1.0"}
	if len(fields) == 3 {
		if !strings.HasPrefix(fields[2], "HTTP/") {
			return nil, fmt.Errorf("%w: version %q", errMalformedRequest, fields[2])
		}
		req.Version = fields[2]
	}
	return req, nil
}

// readHeaders reads header lines into req up to the blank line.
func (rr *requestReader) readHeaders(req *request) error {
	for {
		line, err := readLine(rr.r, &rr.budget)
		if err != nil {
			// A client that half-closes after its headers still gets served.
			if errors.Is(err, io.EOF) && line == "" {
				return nil
			}
			return err
		}
		if line == "" {
			return nil
		}

		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fmt.Errorf("%w: header line %q", errMalformedRequest, line)
		}
		req.Headers = append(req.Headers, headerField{
			Name:  name,
			Value: strings.TrimSpace(value),
			Raw:   line,
		})
	}
}

// readLine returns one line without its CRLF or LF terminator, charging its
// length against budget.
func readLine(r *bufio.Reader, budget *int) (string, error) {
	raw, err := r.ReadSlice('\n')
	*budget -= len(raw)
	if errors.Is(err, bufio.ErrBufferFull) || *budget < 0 {
		return "", errHeaderTooLarge
	}
	line := strings.TrimRight(string(raw), "\r\n")
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return line, nil
		}
		return line, err
	}
	return line, nil
}
