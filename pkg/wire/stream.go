package wire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Patch is one JSON patch operation of a subscription update
type Patch struct {
	Unit    string `json:"unit"`    // Unit is the patch operation, e.g. "replace"
	Range   string `json:"range"`   // Range is the JSON pointer of the patch, e.g. "/fields/widgets/w1"
	Content []byte `json:"content"` // Content is the JSON encoded value
}

// Update is one message of a document subscription stream. It carries either
// patches against the parent version or the full document body.
type Update struct {
	Version string   `json:"version"`
	Parents []string `json:"parents"`
	Patches []Patch  `json:"patches,omitempty"`
	Body    []byte   `json:"body,omitempty"`
}

// IsFull reports whether the update carries the whole document
func (u Update) IsFull() bool {
	return len(u.Patches) == 0
}

const updateSeparator = "\r\n\r\n\r\n\r\n\r\n"

// WriteUpdate writes u in subscription stream framing
func WriteUpdate(w io.Writer, u Update) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "Version: %s\r\n", u.Version)
	fmt.Fprintf(bw, "Parents: %s\r\n", strings.Join(u.Parents, ", "))

	if u.IsFull() {
		fmt.Fprintf(bw, "Content-Length: %d\r\n", len(u.Body))
		fmt.Fprintf(bw, "\r\n")
		bw.Write(u.Body)
	} else {
		fmt.Fprintf(bw, "Patches: %d\r\n\r\n", len(u.Patches))
		for i, p := range u.Patches {
			if i > 0 {
				fmt.Fprintf(bw, "\r\n\r\n")
			}
			fmt.Fprintf(bw, "Content-Length: %d\r\n", len(p.Content))
			fmt.Fprintf(bw, "Content-Range: %s %s\r\n", p.Unit, p.Range)
			fmt.Fprintf(bw, "\r\n")
			bw.Write(p.Content)
		}
	}

	fmt.Fprint(bw, updateSeparator)
	return bw.Flush()
}

// ReadUpdate reads the next update written by WriteUpdate
func ReadUpdate(r *bufio.Reader) (Update, error) {
	var u Update
	headers, err := readHeaders(r)
	if err != nil {
		return u, err
	}
	u.Version = headers["version"]
	if parents := headers["parents"]; parents != "" {
		for _, p := range strings.Split(parents, ",") {
			u.Parents = append(u.Parents, strings.TrimSpace(p))
		}
	}

	if n, ok := headers["patches"]; ok {
		count, err := strconv.Atoi(n)
		if err != nil {
			return u, fmt.Errorf("invalid patch count %q: %w", n, err)
		}
		for i := 0; i < count; i++ {
			ph, err := readHeaders(r)
			if err != nil {
				return u, err
			}
			content, err := readBody(r, ph)
			if err != nil {
				return u, err
			}
			unit, rng, _ := strings.Cut(ph["content-range"], " ")
			u.Patches = append(u.Patches, Patch{Unit: unit, Range: rng, Content: content})
		}
		return u, nil
	}

	u.Body, err = readBody(r, headers)
	return u, err
}

// readHeaders skips blank lines and reads header lines up to the next blank
// line. Keys are lower cased.
func readHeaders(r *bufio.Reader) (map[string]string, error) {
	headers := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if err != nil {
				if err == io.EOF && len(headers) > 0 {
					return headers, io.ErrUnexpectedEOF
				}
				return headers, err
			}
			if len(headers) > 0 {
				return headers, nil
			}
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return headers, fmt.Errorf("malformed header line %q", line)
		}
		headers[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
		if err != nil {
			return headers, io.ErrUnexpectedEOF
		}
	}
}

func readBody(r *bufio.Reader, headers map[string]string) ([]byte, error) {
	n, err := strconv.Atoi(headers["content-length"])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid content length %q", headers["content-length"])
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body, nil
}
