package models

import (
	"bytes"
	"path/filepath"
	"strings"
	"time"
)

// MediaType is the declared format of an uploaded fiscal document.
type MediaType string

const (
	MediaXML MediaType = "XML"
	MediaPDF MediaType = "PDF"
)

// RawDocument is an uploaded document as received from the ingestion
// boundary. The pipeline reads it but never mutates it.
type RawDocument struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"` // chatbot / empresa that uploaded it
	MediaType  MediaType `json:"mediaType"`
	Filename   string    `json:"filename,omitempty"`
	Content    []byte    `json:"-"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// DetectMediaType resolves the media type from an explicit content type,
// then the file extension, then the leading bytes of the content.
func DetectMediaType(contentType, filename string, content []byte) (MediaType, bool) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return MediaPDF, true
	case strings.Contains(ct, "xml"):
		return MediaXML, true
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return MediaPDF, true
	case ".xml":
		return MediaXML, true
	}

	head := bytes.TrimLeft(content, " \t\r\n\xef\xbb\xbf")
	switch {
	case bytes.HasPrefix(head, []byte("%PDF-")):
		return MediaPDF, true
	case bytes.HasPrefix(head, []byte("<")):
		return MediaXML, true
	}
	return "", false
}
