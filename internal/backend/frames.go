package backend

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"streamq/internal/payload"
)

const (
	wavHeaderSize    = 44
	DefaultFrameSize = 1280

	// stream_flag values: 0 for a frame in the middle, 2 for the last frame.
	flagContinue = 0
	flagLast     = 2
)

// AudioFrames turns a recognition payload into a paced sequence of frames.
// The payload field named audioField holds the audio file path; every frame
// is a copy of the payload without that field, carrying base64 "speech" and a
// "stream_flag". A .wav header is skipped.
func AudioFrames(base map[string]any, audioField string, frameSize int, interval time.Duration) (Requests, error) {
	path, _ := base[audioField].(string)
	if path == "" {
		return nil, fmt.Errorf("payload field %q must name an audio file", audioField)
	}
	audio, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if strings.HasSuffix(path, ".wav") && len(audio) >= wavHeaderSize {
		audio = audio[wavHeaderSize:]
	}
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}

	return func(yield func(map[string]any) bool) {
		for off := 0; off < len(audio) || off == 0; off += frameSize {
			end := min(off+frameSize, len(audio))
			msg := payload.Clone(base)
			delete(msg, audioField)
			msg["speech"] = base64.StdEncoding.EncodeToString(audio[off:end])
			msg["stream_flag"] = flagContinue
			if end == len(audio) {
				msg["stream_flag"] = flagLast
			}
			if off > 0 && interval > 0 {
				time.Sleep(interval)
			}
			if !yield(msg) || end == len(audio) {
				return
			}
		}
	}, nil
}
