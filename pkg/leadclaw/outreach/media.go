package outreach

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"
)

// mediaTypes maps file extensions to channel media types and MIME types.
// Files with other extensions are ignored.
var mediaTypes = map[string]struct {
	msgType channels.MessageType
	mime    string
}{
	".jpg":  {channels.MessageImage, "image/jpeg"},
	".jpeg": {channels.MessageImage, "image/jpeg"},
	".png":  {channels.MessageImage, "image/png"},
	".webp": {channels.MessageImage, "image/webp"},
	".mp4":  {channels.MessageVideo, "video/mp4"},
	".mov":  {channels.MessageVideo, "video/quicktime"},
	".mp3":  {channels.MessageAudio, "audio/mpeg"},
	".ogg":  {channels.MessageAudio, "audio/ogg"},
	".m4a":  {channels.MessageAudio, "audio/mp4"},
	".pdf":  {channels.MessageDocument, "application/pdf"},
}

// MediaFile is one sendable file from the media directory.
type MediaFile struct {
	// Path is the full filesystem path.
	Path string
	// Name is the bare filename.
	Name string
	// Type is the channel media type derived from the extension.
	Type channels.MessageType
	// MimeType is the MIME type derived from the extension.
	MimeType string
}

// LogTag renders the file as a bracketed transcript tag, e.g.
// "[image: front.jpg]". Sent media shows up in the conversation log
// this way so the model knows the photos already went out.
func (f MediaFile) LogTag() string {
	return fmt.Sprintf("[%s: %s]", f.Type, f.Name)
}

// MediaLibrary lists the property files the responder may send.
// The directory is re-read on every call so the operator can add or
// remove files without a restart.
type MediaLibrary struct {
	dir string
}

// NewMediaLibrary creates a library over the given directory.
// An empty dir means no media is available.
func NewMediaLibrary(dir string) *MediaLibrary {
	return &MediaLibrary{dir: dir}
}

// List returns the sendable files in filename order. Subdirectories,
// hidden files, and unrecognized extensions are skipped. A missing or
// empty directory yields an empty list, not an error.
func (m *MediaLibrary) List() ([]MediaFile, error) {
	if m.dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading media dir: %w", err)
	}

	// os.ReadDir returns entries sorted by filename, which is the send
	// order: operators prefix files with 01_, 02_, ... to control it.
	var files []MediaFile
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		mt, ok := mediaTypes[strings.ToLower(filepath.Ext(entry.Name()))]
		if !ok {
			continue
		}
		files = append(files, MediaFile{
			Path:     filepath.Join(m.dir, entry.Name()),
			Name:     entry.Name(),
			Type:     mt.msgType,
			MimeType: mt.mime,
		})
	}

	return files, nil
}

// Load reads a file into an outgoing media message.
func (m *MediaLibrary) Load(f MediaFile) (*channels.MediaMessage, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.Name, err)
	}
	return &channels.MediaMessage{
		Type:     f.Type,
		Data:     data,
		MimeType: f.MimeType,
		Filename: f.Name,
	}, nil
}
