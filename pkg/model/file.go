package model

import (
	"errors"
	"fmt"
	"time"
)

const MaxFileBytes = 10 << 20 // 10 MiB

var ErrFilenameEmpty = errors.New("filename cannot be empty")
var ErrFileEmpty = errors.New("file data cannot be empty")
var ErrFileTooLarge = fmt.Errorf("file exceeds %d bytes", MaxFileBytes)

// FileRecord is a stored shared file. An empty Receiver means the file is
// visible to everyone.
type FileRecord struct {
	ID        int64     `json:"id"`
	Filename  string    `json:"filename"`
	Data      []byte    `json:"-"`
	MediaType string    `json:"media_type"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (f *FileRecord) Validate() error {
	if f.Filename == "" {
		return ErrFilenameEmpty
	}
	if len(f.Data) == 0 {
		return ErrFileEmpty
	}
	if len(f.Data) > MaxFileBytes {
		return ErrFileTooLarge
	}
	return nil
}
