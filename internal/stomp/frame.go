// Package stomp implements the subset of STOMP 1.2 framing the chat broker
// speaks over its websocket endpoint: client frames CONNECT, SUBSCRIBE,
// UNSUBSCRIBE, SEND and DISCONNECT, server frames CONNECTED, MESSAGE,
// RECEIPT and ERROR, plus newline heart-beats.
package stomp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Common header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrAuthorization = "Authorization"
	HdrContentLength = "content-length"
	HdrContentType   = "content-type"
	HdrDestination   = "destination"
	HdrHeartBeat     = "heart-beat"
	HdrId            = "id"
	HdrMessage       = "message"
	HdrReceipt       = "receipt"
	HdrReceiptId     = "receipt-id"
	HdrSubscription  = "subscription"
)

// Heartbeat is the wire form of a STOMP heart-beat: a bare newline.
var Heartbeat = []byte("\n")

type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

func NewFrame(command string, headers map[string]string, body []byte) *Frame {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &Frame{Command: command, Headers: headers, Body: body}
}

// Marshal encodes a frame in wire form. Header order is unspecified except
// that content-length, when set implicitly for a non-empty body, is always
// written.
func Marshal(f *Frame) []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	escape := shouldEscape(f.Command)
	for k, v := range f.Headers {
		if escape {
			k, v = escapeHeader(k), escapeHeader(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}

	if len(f.Body) > 0 {
		if _, ok := f.Headers[HdrContentLength]; !ok {
			buf.WriteString(HdrContentLength)
			buf.WriteByte(':')
			buf.WriteString(strconv.Itoa(len(f.Body)))
			buf.WriteByte('\n')
		}
	}

	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Parse decodes one websocket message into a frame. A bare newline (or empty
// payload) is a heart-beat and yields a nil frame with no error.
func Parse(data []byte) (*Frame, error) {
	data = bytes.TrimPrefix(data, []byte("\r\n"))
	if len(data) == 0 || bytes.Equal(data, Heartbeat) {
		return nil, nil
	}

	head, body, found := bytes.Cut(data, []byte("\r\n\r\n"))
	if !found {
		head, body, found = bytes.Cut(data, []byte("\n\n"))
	}
	if !found {
		return nil, fmt.Errorf("stomp: malformed frame: missing header terminator")
	}

	lines := strings.Split(strings.TrimSuffix(string(head), "\r"), "\n")
	command := strings.TrimSuffix(lines[0], "\r")
	if command == "" {
		return nil, fmt.Errorf("stomp: malformed frame: empty command")
	}

	escape := shouldEscape(command)
	headers := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("stomp: malformed header %q", line)
		}
		if escape {
			k, v = unescapeHeader(k), unescapeHeader(v)
		}
		// STOMP 1.2: the first occurrence of a repeated header wins
		if _, exists := headers[k]; !exists {
			headers[k] = v
		}
	}

	body = bytes.TrimSuffix(body, []byte{0})
	if n, ok := headers[HdrContentLength]; ok {
		length, err := strconv.Atoi(n)
		if err != nil || length < 0 || length > len(body) {
			return nil, fmt.Errorf("stomp: invalid content-length %q", n)
		}
		body = body[:length]
	}

	f := &Frame{Command: command, Headers: headers}
	if len(body) > 0 {
		f.Body = body
	}
	return f, nil
}

// CONNECT and CONNECTED frames are exchanged before escaping is negotiated,
// so STOMP 1.2 exempts them.
func shouldEscape(command string) bool {
	return command != CmdConnect && command != CmdConnected
}

var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
