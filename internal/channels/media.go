package channels

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/internal/blob"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

const (
	// MaxMediaBytes caps decoded attachment size.
	MaxMediaBytes = 25 << 20
	// maxImageDim is the long-edge bound before images are downscaled.
	maxImageDim = 2048
	// mediaTTL is how long stored media stays fetchable over /media/.
	mediaTTL = 30 * 24 * time.Hour
)

// processMedia decodes, bounds, transcribes, and stores each attachment,
// then strips the inline payload so only the stored key and derived
// fields travel onward. Failing attachments are dropped with a log line;
// the message itself survives.
func (p *Pipeline) processMedia(ctx context.Context, sessionKey string, media []protocol.ChannelMedia) []protocol.ChannelMedia {
	out := make([]protocol.ChannelMedia, 0, len(media))
	for _, m := range media {
		processed, err := p.processOne(ctx, sessionKey, m)
		if err != nil {
			p.logger.Warn("channel.media_rejected", "sessionKey", sessionKey, "type", m.Type, "error", err)
			continue
		}
		out = append(out, processed)
	}
	return out
}

func (p *Pipeline) processOne(ctx context.Context, sessionKey string, m protocol.ChannelMedia) (protocol.ChannelMedia, error) {
	if m.Data == "" {
		// URL-only media passes through untouched.
		return m, nil
	}
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return m, fmt.Errorf("decode base64: %w", err)
	}
	if len(data) > MaxMediaBytes {
		return m, fmt.Errorf("media too large: %d bytes", len(data))
	}

	if m.Type == protocol.MediaImage {
		if scaled, ok := downscaleImage(data, m.MimeType, p.logger); ok {
			data = scaled
		}
	}

	if m.Type == protocol.MediaAudio && p.transcriber != nil {
		text, err := p.transcriber.Transcribe(ctx, data, m.MimeType)
		if err != nil {
			p.logger.Warn("channel.transcribe_failed", "sessionKey", sessionKey, "error", err)
		} else {
			m.Transcription = text
		}
	}

	key := fmt.Sprintf("media/%s/%s%s", sessionKey, uuid.NewString(), extForMime(m.MimeType, m.Filename))
	expires := p.deps.now().Add(mediaTTL).UnixMilli()
	custom := blob.Metadata{
		"sessionKey": sessionKey,
		"expiresAt":  strconv.FormatInt(expires, 10),
	}
	if err := p.deps.Blobs.Put(ctx, key, data, m.MimeType, custom); err != nil {
		return m, err
	}

	m.StoreKey = key
	m.Size = int64(len(data))
	if m.Type == protocol.MediaImage {
		// Images keep the (downscaled) payload for vision blocks; everything
		// else travels by store key only.
		m.Data = base64.StdEncoding.EncodeToString(data)
	} else {
		m.Data = ""
	}
	return m, nil
}

// downscaleImage bounds the long edge so vision payloads stay small.
// Unknown formats pass through unchanged.
func downscaleImage(data []byte, mimeType string, logger *slog.Logger) ([]byte, bool) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	b := img.Bounds()
	if b.Dx() <= maxImageDim && b.Dy() <= maxImageDim {
		return nil, false
	}
	resized := imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)

	format := imaging.JPEG
	if strings.Contains(mimeType, "png") {
		format = imaging.PNG
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format); err != nil {
		logger.Warn("channel.image_downscale_failed", "error", err)
		return nil, false
	}
	return buf.Bytes(), true
}

func extForMime(mimeType, filename string) string {
	if i := strings.LastIndex(filename, "."); i >= 0 && i < len(filename)-1 {
		return filename[i:]
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
