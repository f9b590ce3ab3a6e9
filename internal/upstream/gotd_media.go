package upstream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/tg"
)

// fileLocation pairs the downloadable location with its declared size.
type fileLocation struct {
	location tg.InputFileLocationClass
	size     int64
}

// mediaFromMessage normalizes the message media, classifying documents by
// their attributes.
func mediaFromMessage(msg *tg.Message) *Media {
	switch media := msg.Media.(type) {
	case *tg.MessageMediaDocument:
		document, ok := media.Document.AsNotEmpty()
		if !ok {
			return nil
		}
		return mediaFromDocument(document)
	case *tg.MessageMediaPhoto:
		photo, ok := media.Photo.AsNotEmpty()
		if !ok {
			return nil
		}
		size := largestPhotoSize(photo)
		m := &Media{
			Type:     MediaPhoto,
			FileID:   fmt.Sprintf("%d", photo.GetID()),
			FileName: fmt.Sprintf("photo_%d.jpg", photo.GetID()),
			MimeType: "image/jpeg",
			Date:     time.Unix(int64(photo.Date), 0).UTC(),
		}
		if size != nil {
			if sz, ok := size.(*tg.PhotoSize); ok {
				m.FileSize = int64(sz.Size)
				m.Width = sz.W
				m.Height = sz.H
			}
			if sz, ok := size.(*tg.PhotoSizeProgressive); ok {
				if n := len(sz.Sizes); n > 0 {
					m.FileSize = int64(sz.Sizes[n-1])
				}
				m.Width = sz.W
				m.Height = sz.H
			}
		}
		return m
	}
	return nil
}

func mediaFromDocument(document *tg.Document) *Media {
	m := &Media{
		Type:     MediaDocument,
		FileID:   fmt.Sprintf("%d", document.ID),
		FileSize: document.Size,
		MimeType: document.MimeType,
		Date:     time.Unix(int64(document.Date), 0).UTC(),
	}
	for _, attribute := range document.Attributes {
		switch attr := attribute.(type) {
		case *tg.DocumentAttributeFilename:
			m.FileName = attr.FileName
		case *tg.DocumentAttributeVideo:
			m.Width = attr.W
			m.Height = attr.H
			m.Duration = int(attr.Duration)
			if attr.RoundMessage {
				m.Type = MediaVideoNote
			} else {
				m.Type = MediaVideo
			}
		case *tg.DocumentAttributeAudio:
			m.Duration = int(attr.Duration)
			if attr.Voice {
				m.Type = MediaVoice
			} else {
				m.Type = MediaAudio
			}
		case *tg.DocumentAttributeAnimated:
			m.Type = MediaAnimation
		case *tg.DocumentAttributeSticker:
			m.Type = MediaSticker
		}
	}
	if m.Type == MediaDocument && strings.HasPrefix(m.MimeType, "image/") && m.FileName == "" {
		m.FileName = fmt.Sprintf("image_%d%s", document.ID, extensionFor(m.MimeType))
	}
	return m
}

func extensionFor(mimeType string) string {
	if i := strings.LastIndex(mimeType, "/"); i >= 0 && i < len(mimeType)-1 {
		return "." + mimeType[i+1:]
	}
	return ""
}

func largestPhotoSize(photo *tg.Photo) tg.PhotoSizeClass {
	sizes := photo.Sizes
	if len(sizes) == 0 {
		return nil
	}
	return sizes[len(sizes)-1]
}

// locationFromMessage resolves the input file location used by the
// downloader.
func locationFromMessage(msg *tg.Message) (*fileLocation, error) {
	switch media := msg.Media.(type) {
	case *tg.MessageMediaDocument:
		document, ok := media.Document.AsNotEmpty()
		if !ok {
			return nil, errors.New("document is empty")
		}
		return &fileLocation{
			location: document.AsInputDocumentFileLocation(),
			size:     document.Size,
		}, nil
	case *tg.MessageMediaPhoto:
		photo, ok := media.Photo.AsNotEmpty()
		if !ok {
			return nil, errors.New("photo is empty")
		}
		size := largestPhotoSize(photo)
		if size == nil {
			return nil, errors.New("photo has no sizes")
		}
		location := &tg.InputPhotoFileLocation{
			ID:            photo.GetID(),
			AccessHash:    photo.GetAccessHash(),
			FileReference: photo.GetFileReference(),
			ThumbSize:     size.GetType(),
		}
		var byteSize int64
		if sz, ok := size.(*tg.PhotoSize); ok {
			byteSize = int64(sz.Size)
		}
		if sz, ok := size.(*tg.PhotoSizeProgressive); ok {
			if n := len(sz.Sizes); n > 0 {
				byteSize = int64(sz.Sizes[n-1])
			}
		}
		return &fileLocation{location: location, size: byteSize}, nil
	}
	return nil, fmt.Errorf("no downloadable media in message %d", msg.ID)
}

// messageFromTG converts one raw message into the normalized shape.
func messageFromTG(msg *tg.Message, chatID int64, chatTitle string) *Message {
	out := &Message{
		ID:        msg.ID,
		ChatID:    chatID,
		ChatTitle: chatTitle,
		Date:      time.Unix(int64(msg.Date), 0).UTC(),
	}
	if groupedID, ok := msg.GetGroupedID(); ok {
		out.MediaGroupID = groupedID
	}
	if media := mediaFromMessage(msg); media != nil {
		out.Media = media
		out.Caption = msg.Message
	} else {
		out.Text = msg.Message
	}
	return out
}
