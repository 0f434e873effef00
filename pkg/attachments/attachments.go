// Package attachments decodes the image and file payloads a run request
// may carry. Files become text for the context builder: spreadsheets are
// flattened to rows, PDF and DOCX documents have their text extracted,
// and everything else passes through as plain text. Images become
// multi-modal content parts attached to the model input.
package attachments

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/munshi-ai/munshi/pkg/llms"
)

// maxFileBytes caps the decoded size of a single attachment.
const maxFileBytes = 20 << 20

// Image is the wire shape of a run request's image payload.
type Image struct {
	// Type selects the transport: "data_url" for inline base64 or
	// "url" for a fetchable reference.
	Type string `json:"type"`

	// Data carries the inline payload, either a full data URL or bare
	// base64.
	Data string `json:"data,omitempty"`

	// URL references a remotely hosted image.
	URL string `json:"url,omitempty"`
}

// File is the wire shape of a run request's file payload.
type File struct {
	Name string `json:"name"`

	// Type is a media-type hint, e.g. "text/csv".
	Type string `json:"type,omitempty"`

	// Encoding is "text" for inline text or "binary" for base64.
	Encoding string `json:"encoding"`

	// Content carries text payloads; Data carries base64 payloads.
	// Either key is accepted for either encoding.
	Content string `json:"content,omitempty"`
	Data    string `json:"data,omitempty"`
}

// Result is what a decoded request contributes to the run: extracted
// text for the context builder and image parts for the model input.
type Result struct {
	Context string
	Parts   []llms.ContentPart
}

// Empty reports whether the request carried nothing usable.
func (r *Result) Empty() bool {
	return r == nil || (r.Context == "" && len(r.Parts) == 0)
}

// Decode processes the optional image and file payloads of one run
// request. Either argument may be nil.
func Decode(image *Image, file *File) (*Result, error) {
	res := &Result{}

	if image != nil {
		part, err := imagePart(image)
		if err != nil {
			return nil, fmt.Errorf("image: %w", err)
		}
		res.Parts = append(res.Parts, part)
	}

	if file != nil {
		text, err := fileText(file)
		if err != nil {
			return nil, fmt.Errorf("file %q: %w", file.Name, err)
		}
		name := file.Name
		if name == "" {
			name = "attachment"
		}
		res.Context = fmt.Sprintf("Attached file %q:\n%s", name, text)
	}

	return res, nil
}

// imagePart converts the image payload into a model content part. Inline
// images keep their base64 form; providers decode and validate bytes
// themselves.
func imagePart(img *Image) (llms.ContentPart, error) {
	switch img.Type {
	case "url":
		if img.URL == "" {
			return llms.ContentPart{}, fmt.Errorf("url is required for type %q", img.Type)
		}
		return llms.ContentPart{Type: llms.ContentPartImageURL, Data: img.URL}, nil

	case "data_url":
		if img.Data == "" {
			return llms.ContentPart{}, fmt.Errorf("data is required for type %q", img.Type)
		}
		mediaType, payload, err := splitDataURL(img.Data)
		if err != nil {
			return llms.ContentPart{}, err
		}
		return llms.ContentPart{
			Type:      llms.ContentPartImageBase64,
			MediaType: mediaType,
			Data:      payload,
		}, nil

	default:
		return llms.ContentPart{}, fmt.Errorf("unknown image type %q", img.Type)
	}
}

// splitDataURL accepts both full data URLs and bare base64, returning
// the declared media type (empty when bare) and the base64 payload.
func splitDataURL(s string) (mediaType, payload string, err error) {
	payload = s
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if !found {
			return "", "", fmt.Errorf("malformed data url")
		}
		mediaType = strings.TrimSuffix(meta, ";base64")
		payload = data
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", "", fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) > maxFileBytes {
		return "", "", fmt.Errorf("image exceeds %d bytes", maxFileBytes)
	}
	return mediaType, payload, nil
}

// fileText extracts the textual content of the file payload.
func fileText(f *File) (string, error) {
	data, err := fileBytes(f)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("no content")
	}
	if len(data) > maxFileBytes {
		return "", fmt.Errorf("exceeds %d bytes", maxFileBytes)
	}

	switch kind(f) {
	case kindXLSX:
		return extractXLSX(data)
	case kindPDF:
		return extractPDF(data)
	case kindDOCX:
		return extractDOCX(data)
	default:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("not valid UTF-8 text")
		}
		return string(data), nil
	}
}

// fileBytes resolves the payload bytes, honoring the declared encoding.
// Content and Data are interchangeable on the wire.
func fileBytes(f *File) ([]byte, error) {
	raw := f.Content
	if raw == "" {
		raw = f.Data
	}

	switch f.Encoding {
	case "", "text":
		return []byte(raw), nil
	case "binary":
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", f.Encoding)
	}
}

type fileKind int

const (
	kindText fileKind = iota
	kindXLSX
	kindPDF
	kindDOCX
)

func kind(f *File) fileKind {
	ext := strings.ToLower(filepath.Ext(f.Name))
	hint := strings.ToLower(f.Type)

	switch {
	case ext == ".xlsx" || ext == ".xlsm" || strings.Contains(hint, "spreadsheetml"):
		return kindXLSX
	case ext == ".pdf" || hint == "application/pdf":
		return kindPDF
	case ext == ".docx" || strings.Contains(hint, "wordprocessingml"):
		return kindDOCX
	default:
		return kindText
	}
}

// extractXLSX flattens every sheet to tab-separated rows. Sheet names
// prefix their rows when the workbook has more than one sheet.
func extractXLSX(data []byte) (string, error) {
	book, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open spreadsheet: %w", err)
	}
	defer book.Close()

	var b strings.Builder
	sheets := book.GetSheetList()
	for _, sheet := range sheets {
		rows, err := book.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		if len(sheets) > 1 {
			fmt.Fprintf(&b, "Sheet: %s\n", sheet)
		}
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
	}

	text := strings.TrimRight(b.String(), "\n")
	if text == "" {
		return "", fmt.Errorf("spreadsheet has no rows")
	}
	return text, nil
}

// extractPDF pulls the plain text of every page. The parser panics on
// some malformed files, so the recover converts those into errors.
func extractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	var b bytes.Buffer
	if _, err := b.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	text = strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("pdf contains no extractable text")
	}
	return text, nil
}

var xmlTag = regexp.MustCompile(`<[^>]+>`)

// extractDOCX reads the document body and strips the WordprocessingML
// markup, keeping paragraph breaks.
func extractDOCX(data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open document: %w", err)
	}
	defer doc.Close()

	content := doc.Editable().GetContent()
	content = strings.ReplaceAll(content, "</w:p>", "\n")
	text := html.UnescapeString(xmlTag.ReplaceAllString(content, ""))

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("document contains no text")
	}
	return text, nil
}
