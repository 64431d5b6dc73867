// internal/extraction/pdf.go
package extraction

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// ErrNotPDF is returned for artifacts that do not start with a PDF header.
var ErrNotPDF = errors.New("artifact is not a PDF document")

const maxTextBytes = 16 << 20

// PlainText returns the text layer of a PDF document, page by page.
// The reader panics on some malformed xref tables, so panics are reported as errors.
func PlainText(data []byte) (text string, err error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF")) {
		return "", ErrNotPDF
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	body, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to read PDF text: %w", err)
	}
	raw, err := io.ReadAll(io.LimitReader(body, maxTextBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read PDF text: %w", err)
	}
	return string(raw), nil
}
