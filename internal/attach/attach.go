// Package attach builds outbound message metadata for file payloads. The
// MIME type is sniffed from content rather than trusted from the file name.
package attach

import (
	"github.com/h2non/filetype"
)

type Kind string

const (
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

const fallbackMIME = "application/octet-stream"

// Metadata describes one attachment in the new-message metadata map.
type Metadata struct {
	Kind     Kind   `json:"type"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
}

// Describe sniffs the payload and returns attachment metadata ready to be
// embedded in a SendMessagePayload.
func Describe(name string, data []byte) Metadata {
	md := Metadata{
		Kind:     KindFile,
		Name:     name,
		MimeType: fallbackMIME,
		Size:     len(data),
	}

	kind, err := filetype.Match(data)
	if err == nil && kind != filetype.Unknown {
		md.MimeType = kind.MIME.Value
	}
	if filetype.IsImage(data) {
		md.Kind = KindImage
	}
	return md
}

// MessageMetadata wraps attachment descriptions into the metadata map shape
// the server expects on new-message.
func MessageMetadata(attachments ...Metadata) map[string]any {
	if len(attachments) == 0 {
		return nil
	}
	list := make([]any, len(attachments))
	for i, a := range attachments {
		list[i] = map[string]any{
			"type":     string(a.Kind),
			"name":     a.Name,
			"mimeType": a.MimeType,
			"size":     a.Size,
		}
	}
	return map[string]any{"attachments": list}
}
