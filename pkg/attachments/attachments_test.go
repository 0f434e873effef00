package attachments

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/munshi-ai/munshi/pkg/llms"
)

func TestDecodeNothing(t *testing.T) {
	res, err := Decode(nil, nil)
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestDecodeImageDataURL(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("fake png bytes"))
	res, err := Decode(&Image{Type: "data_url", Data: "data:image/png;base64," + payload}, nil)
	require.NoError(t, err)

	require.Len(t, res.Parts, 1)
	part := res.Parts[0]
	assert.Equal(t, llms.ContentPartImageBase64, part.Type)
	assert.Equal(t, "image/png", part.MediaType)
	assert.Equal(t, payload, part.Data)
	assert.Empty(t, res.Context)
}

func TestDecodeImageBareBase64(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("jpeg-ish"))
	res, err := Decode(&Image{Type: "data_url", Data: payload}, nil)
	require.NoError(t, err)

	require.Len(t, res.Parts, 1)
	assert.Equal(t, llms.ContentPartImageBase64, res.Parts[0].Type)
	assert.Empty(t, res.Parts[0].MediaType)
	assert.Equal(t, payload, res.Parts[0].Data)
}

func TestDecodeImageURL(t *testing.T) {
	res, err := Decode(&Image{Type: "url", URL: "https://cdn.example.com/shot.png"}, nil)
	require.NoError(t, err)

	require.Len(t, res.Parts, 1)
	assert.Equal(t, llms.ContentPartImageURL, res.Parts[0].Type)
	assert.Equal(t, "https://cdn.example.com/shot.png", res.Parts[0].Data)
}

func TestDecodeImageErrors(t *testing.T) {
	tests := []struct {
		name string
		img  *Image
		want string
	}{
		{"unknown type", &Image{Type: "inline"}, "unknown image type"},
		{"url without url", &Image{Type: "url"}, "url is required"},
		{"data_url without data", &Image{Type: "data_url"}, "data is required"},
		{"bad base64", &Image{Type: "data_url", Data: "data:image/png;base64,!!!"}, "decode base64"},
		{"headerless malformed", &Image{Type: "data_url", Data: "data:image/png"}, "malformed data url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.img, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDecodeTextFile(t *testing.T) {
	csv := "sku,stock\nMUG-001,4\nMUG-002,0\n"
	res, err := Decode(nil, &File{Name: "inventory.csv", Type: "text/csv", Encoding: "text", Content: csv})
	require.NoError(t, err)

	assert.Contains(t, res.Context, `Attached file "inventory.csv":`)
	assert.Contains(t, res.Context, "MUG-002,0")
	assert.Empty(t, res.Parts)
}

func TestDecodeBinaryTextFile(t *testing.T) {
	data := base64.StdEncoding.EncodeToString([]byte("line one\nline two"))
	res, err := Decode(nil, &File{Name: "notes.txt", Encoding: "binary", Data: data})
	require.NoError(t, err)
	assert.Contains(t, res.Context, "line two")
}

func TestDecodeFileContentInDataKey(t *testing.T) {
	res, err := Decode(nil, &File{Name: "items.txt", Encoding: "text", Data: "SKU-1\nSKU-2"})
	require.NoError(t, err)
	assert.Contains(t, res.Context, "SKU-2")
}

func TestDecodeFileErrors(t *testing.T) {
	tests := []struct {
		name string
		file *File
		want string
	}{
		{"empty", &File{Name: "empty.txt", Encoding: "text"}, "no content"},
		{"bad base64", &File{Name: "x.bin", Encoding: "binary", Data: "%%%"}, "decode base64"},
		{"unknown encoding", &File{Name: "x.txt", Encoding: "hex", Content: "00"}, "unknown encoding"},
		{"binary garbage as text", &File{Name: "x.txt", Encoding: "binary",
			Data: base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0x00, 0x01})}, "not valid UTF-8"},
		{"corrupt pdf", &File{Name: "report.pdf", Encoding: "text", Content: "%PDF-1.4 garbage"}, "pdf"},
		{"corrupt xlsx", &File{Name: "book.xlsx", Encoding: "text", Content: "not a zip"}, "open spreadsheet"},
		{"corrupt docx", &File{Name: "doc.docx", Encoding: "text", Content: "not a zip"}, "open document"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(nil, tt.file)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDecodeXLSX(t *testing.T) {
	book := excelize.NewFile()
	require.NoError(t, book.SetCellValue("Sheet1", "A1", "sku"))
	require.NoError(t, book.SetCellValue("Sheet1", "B1", "price"))
	require.NoError(t, book.SetCellValue("Sheet1", "A2", "MUG-001"))
	require.NoError(t, book.SetCellValue("Sheet1", "B2", 12.5))
	buf, err := book.WriteToBuffer()
	require.NoError(t, err)

	res, err := Decode(nil, &File{
		Name:     "products.xlsx",
		Encoding: "binary",
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	require.NoError(t, err)

	assert.Contains(t, res.Context, "sku\tprice")
	assert.Contains(t, res.Context, "MUG-001\t12.5")
}

func TestDecodeXLSXByTypeHint(t *testing.T) {
	book := excelize.NewFile()
	require.NoError(t, book.SetCellValue("Sheet1", "A1", "only cell"))
	buf, err := book.WriteToBuffer()
	require.NoError(t, err)

	res, err := Decode(nil, &File{
		Name:     "upload",
		Type:     "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		Encoding: "binary",
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	require.NoError(t, err)
	assert.Contains(t, res.Context, "only cell")
}

func TestDecodeDOCX(t *testing.T) {
	data := buildDocx(t, "Retag every summer item.")
	res, err := Decode(nil, &File{
		Name:     "brief.docx",
		Encoding: "binary",
		Data:     base64.StdEncoding.EncodeToString(data),
	})
	require.NoError(t, err)
	assert.Contains(t, res.Context, "Retag every summer item.")
}

// buildDocx assembles the minimal zip members the reader requires.
func buildDocx(t *testing.T, text string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	doc, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = doc.Write([]byte(`<?xml version="1.0"?>` +
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">` +
		`<w:body><w:p><w:r><w:t>` + text + `</w:t></w:r></w:p></w:body></w:document>`))
	require.NoError(t, err)

	rels, err := zw.Create("word/_rels/document.xml.rels")
	require.NoError(t, err)
	_, err = rels.Write([]byte(`<?xml version="1.0"?>` +
		`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"></Relationships>`))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDecodeBoth(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("img"))
	res, err := Decode(
		&Image{Type: "data_url", Data: payload},
		&File{Name: "list.txt", Encoding: "text", Content: "SKU-9"},
	)
	require.NoError(t, err)
	assert.Len(t, res.Parts, 1)
	assert.Contains(t, res.Context, "SKU-9")
	assert.False(t, res.Empty())
}

func TestDecodeOversizedFile(t *testing.T) {
	res, err := Decode(nil, &File{
		Name:     "huge.txt",
		Encoding: "text",
		Content:  strings.Repeat("x", maxFileBytes+1),
	})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "exceeds")
}
