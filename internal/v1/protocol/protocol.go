// Package protocol implements the line-oriented wire format spoken between
// the exam server and its clients.
//
// Two frame shapes exist on the stream:
//
//	control frame:  VERB[ p1|p2|...|pN]\n
//	data frame:     CODE DATA LEN\n<LEN opaque bytes>
//
// Lines are capped at 8 KiB, payloads at 1 MiB, and a control frame carries
// at most 10 parameters.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// MaxLineLen caps a single header line, terminator included.
	MaxLineLen = 8 * 1024
	// MaxDataSize caps a data frame payload.
	MaxDataSize = 1024 * 1024
	// MaxParams caps the number of |-separated parameters on a control frame.
	MaxParams = 10
)

var (
	ErrLineTooLong    = errors.New("protocol: line exceeds 8 KiB")
	ErrPayloadTooBig  = errors.New("protocol: payload exceeds 1 MiB")
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrTooManyParams  = errors.New("protocol: too many parameters")
)

// Message is one decoded frame.
type Message struct {
	// Control frame fields.
	Verb   string
	Params []string

	// Data frame fields.
	Code    int
	Payload []byte

	// IsData distinguishes the two shapes.
	IsData bool
}

// Param returns the i-th parameter or "" when absent.
func (m *Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Decoder reads frames from a byte stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for frame reading.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096)}
}

// readLine reads up to and including '\n', enforcing MaxLineLen. The returned
// line has the terminator (and a preceding '\r', if any) stripped.
func (d *Decoder) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if b == '\n' {
			break
		}
		if sb.Len() >= MaxLineLen {
			return "", ErrLineTooLong
		}
		sb.WriteByte(b)
	}
	return strings.TrimSuffix(sb.String(), "\r"), nil
}

// ReadFrame reads the next complete frame from the stream.
//
// A closed peer surfaces as io.EOF before any bytes of a frame; a peer that
// dies mid-frame surfaces as io.ErrUnexpectedEOF. Both terminate the worker.
func (d *Decoder) ReadFrame() (*Message, error) {
	line, err := d.readLine()
	if err != nil {
		return nil, err
	}

	if code, length, ok := parseDataHeader(line); ok {
		if length > MaxDataSize {
			return nil, ErrPayloadTooBig
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(d.r, payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return &Message{Code: code, Payload: payload, IsData: true}, nil
	}

	return parseControlLine(line)
}

// parseDataHeader recognizes "<int> DATA <len>".
func parseDataHeader(line string) (code int, length int, ok bool) {
	if !strings.Contains(line, " DATA ") {
		return 0, 0, false
	}
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 || fields[1] != "DATA" {
		return 0, 0, false
	}
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, false
	}
	length, err = strconv.Atoi(fields[2])
	if err != nil || length < 0 {
		return 0, 0, false
	}
	return code, length, true
}

// parseControlLine splits "VERB[ p1|...|pN]" into a control Message.
func parseControlLine(line string) (*Message, error) {
	if line == "" {
		return nil, ErrMalformedFrame
	}
	verb := line
	var params []string
	if idx := strings.IndexByte(line, ' '); idx >= 0 {
		verb = line[:idx]
		rest := line[idx+1:]
		params = strings.Split(rest, "|")
		if len(params) > MaxParams {
			return nil, ErrTooManyParams
		}
	}
	if !validVerb(verb) {
		return nil, ErrMalformedFrame
	}
	return &Message{Verb: verb, Params: params}, nil
}

// validVerb accepts uppercase identifiers: A-Z, 0-9, underscore, starting
// with a letter.
func validVerb(verb string) bool {
	if verb == "" {
		return false
	}
	for i := 0; i < len(verb); i++ {
		c := verb[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c == '_' && i > 0:
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// EncodeSimple renders "CODE[ MESSAGE]\n".
func EncodeSimple(code int, message string) []byte {
	if message == "" {
		return []byte(fmt.Sprintf("%d\n", code))
	}
	return []byte(fmt.Sprintf("%d %s\n", code, message))
}

// EncodeData renders "CODE DATA LEN\n" followed by the payload bytes.
func EncodeData(code int, payload []byte) []byte {
	header := fmt.Sprintf("%d DATA %d\n", code, len(payload))
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	out = append(out, payload...)
	return out
}

// EncodeRequest renders a client-side control frame "VERB[ p1|...|pN]\n".
func EncodeRequest(verb string, params ...string) []byte {
	if len(params) == 0 {
		return []byte(verb + "\n")
	}
	return []byte(verb + " " + strings.Join(params, "|") + "\n")
}
