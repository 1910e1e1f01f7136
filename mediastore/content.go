package mediastore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
)

const thumbnailWidth = 200

// DetectContentType sniffs data and falls back to declared when the
// content is not recognized.
func DetectContentType(data []byte, declared string) string {
	mt := mimetype.Detect(data)
	if mt.Is("application/octet-stream") && strings.TrimSpace(declared) != "" {
		return declared
	}
	return mt.String()
}

func IsImage(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}

// ThumbnailPath maps "media/persona_5/x.jpg" to "media/persona_5/thumbnails/x.jpg".
func ThumbnailPath(p string) string {
	dir := path.Dir(p)
	filename := path.Base(p)
	return path.Join(dir, "thumbnails", filename)
}

// CreateThumbnail renders a 200px wide JPEG of the image stored at p and
// saves it at ThumbnailPath(p).
func CreateThumbnail(ctx context.Context, store Store, p string, maxBytes int64) (string, error) {
	reader, _, err := store.Open(ctx, p)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > maxBytes {
		return "", fmt.Errorf("image exceeds %d bytes", maxBytes)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", err
	}
	thumbnail := imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumbnail, imaging.JPEG); err != nil {
		return "", err
	}

	thumbPath := ThumbnailPath(p)
	if _, err := store.Save(ctx, thumbPath, &buf, "image/jpeg"); err != nil {
		return "", err
	}
	return thumbPath, nil
}
