package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyFileData = errors.New("protocol: empty file data")

// FilePayload is the structured content of a "file" envelope.
type FilePayload struct {
	Filename string `json:"filename"`
	Data     string `json:"data"` // base64, optionally a data URL
	Type     string `json:"type"` // media type, e.g. "image/png"
}

// DecodeFileData decodes a base64 file payload. Browser clients send data
// URLs ("data:image/png;base64,AAAA..."); raw base64 is accepted too.
func DecodeFileData(data string) ([]byte, error) {
	payload := data
	if i := strings.IndexByte(data, ','); i >= 0 {
		payload = data[i+1:]
	}
	if payload == "" {
		return nil, ErrEmptyFileData
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode file data: %w", err)
	}
	return decoded, nil
}

// EncodeDataURL renders stored file bytes as a data URL for files_list
// responses.
func EncodeDataURL(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
