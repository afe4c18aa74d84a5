package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ============================================================================
// OAuth redirect capture
// ============================================================================
//
// The pairing listener serves exactly one request. It reads at most
// callbackMaxRequestBytes, parses them into a CallbackRequest and always
// answers with the same page, whatever the outcome.
//
// ============================================================================

// ErrMalformedCallback is returned for anything that is not a well-formed
// GET /callback?code=...&state=... request.
var ErrMalformedCallback = errors.New("malformed callback request")

// CallbackRequest is what the provider redirected the browser back with.
type CallbackRequest struct {
	Code  string
	State string
}

const callbackPage = `<!DOCTYPE html>
<html><head><title>spotipi</title></head>
<body><h1>Authorization received</h1><p>You can close this window and return to the device.</p></body>
</html>
`

var callbackResponse = []byte("HTTP/1.1 200 OK\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"Content-Length: " + strconv.Itoa(len(callbackPage)) + "\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	callbackPage)

// ParseCallbackRequest parses a raw request head. It fails closed: wrong
// method or path, a missing, repeated, empty or oversized code/state, or
// anything http.ReadRequest rejects yields ErrMalformedCallback.
func ParseCallbackRequest(raw []byte) (CallbackRequest, error) {
	if len(raw) > callbackMaxRequestBytes {
		return CallbackRequest{}, fmt.Errorf("%w: request exceeds %d bytes", ErrMalformedCallback, callbackMaxRequestBytes)
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return CallbackRequest{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if req.Method != http.MethodGet {
		return CallbackRequest{}, fmt.Errorf("%w: method %s", ErrMalformedCallback, req.Method)
	}
	if req.URL.Path != callbackPath {
		return CallbackRequest{}, fmt.Errorf("%w: path %q", ErrMalformedCallback, req.URL.Path)
	}

	query, err := url.ParseQuery(req.URL.RawQuery)
	if err != nil {
		return CallbackRequest{}, fmt.Errorf("%w: query: %v", ErrMalformedCallback, err)
	}

	code, err := singleValue(query, "code")
	if err != nil {
		return CallbackRequest{}, err
	}
	state, err := singleValue(query, "state")
	if err != nil {
		return CallbackRequest{}, err
	}
	return CallbackRequest{Code: code, State: state}, nil
}

func singleValue(query url.Values, key string) (string, error) {
	values, ok := query[key]
	switch {
	case !ok:
		return "", fmt.Errorf("%w: missing %s", ErrMalformedCallback, key)
	case len(values) != 1:
		return "", fmt.Errorf("%w: %s given %d times", ErrMalformedCallback, key, len(values))
	case values[0] == "":
		return "", fmt.Errorf("%w: empty %s", ErrMalformedCallback, key)
	case len(values[0]) > callbackMaxValueBytes:
		return "", fmt.Errorf("%w: %s longer than %d bytes", ErrMalformedCallback, key, callbackMaxValueBytes)
	}
	return values[0], nil
}

// readCallbackHead reads from conn until the end of the request head, the
// buffer limit, EOF or the read deadline, whichever comes first.
func readCallbackHead(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	buf := make([]byte, 0, callbackMaxRequestBytes)
	chunk := make([]byte, 512)
	for len(buf) < callbackMaxRequestBytes {
		n, err := conn.Read(chunk[:min(len(chunk), callbackMaxRequestBytes-len(buf))])
		buf = append(buf, chunk[:n]...)
		if bytes.Contains(buf, []byte("\r\n\r\n")) {
			return buf, nil
		}
		if err != nil {
			return buf, fmt.Errorf("read callback: %w", err)
		}
	}
	return buf, fmt.Errorf("%w: no end of headers within %d bytes", ErrMalformedCallback, callbackMaxRequestBytes)
}

// writeCallbackResponse sends the fixed page. Errors are only logged by the
// caller; the browser's view is not part of the outcome.
func writeCallbackResponse(conn net.Conn) error {
	if err := conn.SetWriteDeadline(time.Now().Add(callbackReadTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(callbackResponse)
	return err
}
