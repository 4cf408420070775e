package bizhawk

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"overlay-bridge/internal/events"
)

const DefaultMaxFrame = 64 * 1024

// Frame is one "<length> <message>" line from the emulator. Body has its whitespace
// collapsed to single spaces. DeclaredLength is informational and never used to find the
// end of a frame.
type Frame struct {
	DeclaredLength int
	Body           string
}

// LengthMatches reports whether the declared length agrees with the body.
func (f Frame) LengthMatches() bool { return f.DeclaredLength == len(f.Body) }

// Decoder turns an arbitrarily chunked byte stream into Frames. A frame is the remainder
// of a line: it ends at '\n' or when the transport calls Flush. Chunk boundaries inside a
// line never change the result.
type Decoder struct {
	maxLength int
	maxDigits int
	maxLine   int

	line     []byte
	tokenLen int
	// tokenDone is set once the length token is followed by whitespace.
	tokenDone bool
	// skipping discards the rest of a rejected line.
	skipping bool
}

func NewDecoder(maxLength int) *Decoder {
	if maxLength <= 0 {
		maxLength = DefaultMaxFrame
	}
	digits := len(strconv.Itoa(maxLength))
	maxLine := maxLength + digits + 1
	if maxLine < maxLength {
		maxLine = math.MaxInt
	}
	return &Decoder{maxLength: maxLength, maxDigits: digits, maxLine: maxLine}
}

// Feed consumes chunk and returns the frames it completed together with any protocol
// errors. A malformed line is dropped; decoding continues with the next line.
func (d *Decoder) Feed(chunk []byte) ([]Frame, []error) {
	var (
		frames []Frame
		errs   []error
	)
	for _, b := range chunk {
		if b == '\n' {
			if d.skipping {
				d.reset()
				continue
			}
			if f, ok, err := d.finish(); err != nil {
				errs = append(errs, err)
			} else if ok {
				frames = append(frames, f)
			}
			continue
		}
		if d.skipping {
			continue
		}
		if err := d.push(b); err != nil {
			errs = append(errs, err)
			d.reset()
			d.skipping = true
		}
	}
	return frames, errs
}

// Flush ends the current line as if a newline had arrived. The listener calls it when the
// peer goes quiet or closes, since BizHawk does not terminate its messages.
func (d *Decoder) Flush() ([]Frame, []error) {
	if d.skipping {
		d.reset()
		return nil, nil
	}
	f, ok, err := d.finish()
	switch {
	case err != nil:
		return nil, []error{err}
	case ok:
		return []Frame{f}, nil
	}
	return nil, nil
}

// Pending reports whether a partial line is buffered.
func (d *Decoder) Pending() bool {
	return d.skipping || d.tokenLen > 0
}

func (d *Decoder) push(b byte) error {
	d.line = append(d.line, b)
	if len(d.line) > d.maxLine {
		return fmt.Errorf("%w: frame exceeds %d bytes", events.ErrProtocol, d.maxLength)
	}
	switch {
	case d.tokenDone:
	case isSpace(b):
		if d.tokenLen > 0 {
			d.tokenDone = true
		}
	case b < '0' || b > '9':
		return fmt.Errorf("%w: invalid length token starting %q", events.ErrProtocol, d.token())
	default:
		d.tokenLen++
		if d.tokenLen > d.maxDigits {
			return fmt.Errorf("%w: length token %q longer than %d digits", events.ErrProtocol, d.token(), d.maxDigits)
		}
	}
	return nil
}

func (d *Decoder) finish() (Frame, bool, error) {
	defer d.reset()
	if d.tokenLen == 0 {
		return Frame{}, false, nil
	}
	if !utf8.Valid(d.line) {
		return Frame{}, false, fmt.Errorf("%w: frame is not valid utf-8", events.ErrProtocol)
	}
	fields := strings.Fields(string(d.line))
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return Frame{}, false, fmt.Errorf("%w: parse length %q: %v", events.ErrProtocol, fields[0], err)
	}
	if n > d.maxLength {
		return Frame{}, false, fmt.Errorf("%w: length %d exceeds %d", events.ErrProtocol, n, d.maxLength)
	}
	return Frame{DeclaredLength: n, Body: strings.Join(fields[1:], " ")}, true, nil
}

func (d *Decoder) token() string {
	return strings.TrimLeft(string(d.line), " \t\r\v\f")
}

func (d *Decoder) reset() {
	d.line = d.line[:0]
	d.tokenLen = 0
	d.tokenDone = false
	d.skipping = false
}

// EncodeFrame produces the "<len> <msg>" wire form, newline-terminated so the bridge does
// not have to wait for the sender to go quiet.
func EncodeFrame(msg string) []byte {
	return []byte(strconv.Itoa(len(msg)) + " " + msg + "\n")
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\v', '\f':
		return true
	}
	return false
}
