package feed

import (
	"bufio"
	"io"
	"strings"
)

// maxFrameLine bounds a single SSE line. Initial snapshots are one line.
const maxFrameLine = 16 << 20

// Frame is one server-sent event.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// frameReader splits a text/event-stream body into frames.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next complete frame. Comment lines and frames without
// data are skipped. io.EOF is returned when the body ends, even mid-frame.
func (fr *frameReader) Next() (Frame, error) {
	var (
		f       Frame
		data    []string
		hasData bool
	)
	for {
		line, err := fr.readLine()
		if err != nil {
			return Frame{}, err
		}

		if line == "" {
			if hasData {
				f.Data = strings.Join(data, "\n")
				if f.Event == "" {
					f.Event = "message"
				}
				return f, nil
			}
			f = Frame{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			f.ID = value
		}
	}
}

func (fr *frameReader) readLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := fr.r.ReadLine()
		if err != nil {
			return "", err
		}
		sb.Write(chunk)
		if sb.Len() > maxFrameLine {
			return "", bufio.ErrTooLong
		}
		if !isPrefix {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
	}
}
