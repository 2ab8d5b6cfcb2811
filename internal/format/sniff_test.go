package format

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/IliaW/nsfw-gate/internal/model"
)

func defaultFormats() *config.FormatConfig {
	return &config.FormatConfig{
		Image: []string{"image/png", "image/jpeg"},
		Video: []string{"video/webm", "video/mp4", "image/gif"},
	}
}

func encoded(t *testing.T, enc func(*bytes.Buffer, image.Image) error) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := enc(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// apng inserts an acTL chunk right after IHDR, which turns a still PNG into an
// animated one with a single frame.
func apng(t *testing.T) []byte {
	t.Helper()
	still := encoded(t, func(b *bytes.Buffer, img image.Image) error { return png.Encode(b, img) })
	const ihdrEnd = 8 + 4 + 4 + 13 + 4

	body := []byte("acTL")
	body = binary.BigEndian.AppendUint32(body, 1) // frames
	body = binary.BigEndian.AppendUint32(body, 0) // plays

	var buf bytes.Buffer
	buf.Write(still[:ihdrEnd])
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(body)-4))
	buf.Write(body)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(body))
	buf.Write(still[ihdrEnd:])
	return buf.Bytes()
}

func TestClassify(t *testing.T) {
	pngData := encoded(t, func(b *bytes.Buffer, img image.Image) error { return png.Encode(b, img) })
	jpegData := encoded(t, func(b *bytes.Buffer, img image.Image) error { return jpeg.Encode(b, img, nil) })
	gifData := encoded(t, func(b *bytes.Buffer, img image.Image) error { return gif.Encode(b, img, nil) })
	webmData := []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F, 0x42, 0x86, 0x81, 0x01, 0x42, 0xF7, 0x81, 0x01,
		0x42, 0xF2, 0x81, 0x04, 0x42, 0xF3, 0x81, 0x08, 0x42, 0x82, 0x84, 'w', 'e', 'b', 'm'}
	mp4Data := append([]byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm',
		0x00, 0x00, 0x02, 0x00, 'i', 's', 'o', 'm', 'i', 's', 'o', '2'}, make([]byte, 16)...)

	tests := []struct {
		name     string
		data     []byte
		mime     string
		category model.Category
	}{
		{"png", pngData, "image/png", model.CategoryImage},
		{"animated png", apng(t), "image/png", model.CategoryImage},
		{"jpeg", jpegData, "image/jpeg", model.CategoryImage},
		{"gif is sampled as video", gifData, "image/gif", model.CategoryVideo},
		{"webm", webmData, "video/webm", model.CategoryVideo},
		{"mp4", mp4Data, "video/mp4", model.CategoryVideo},
		{"plain text", []byte("just some text, not media"), "text/plain", model.CategoryUnsupported},
		{"html", []byte("<!DOCTYPE html><html><body>hi</body></html>"), "text/html", model.CategoryUnsupported},
	}

	c := NewClassifier(defaultFormats())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mime, category := c.Classify(tt.data)
			if mime != tt.mime {
				t.Errorf("mime = %q, want %q", mime, tt.mime)
			}
			if category != tt.category {
				t.Errorf("category = %q, want %q", category, tt.category)
			}
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	c := NewClassifier(defaultFormats())
	data := encoded(t, func(b *bytes.Buffer, img image.Image) error { return png.Encode(b, img) })

	firstMime, firstCategory := c.Classify(data)
	for i := 0; i < 10; i++ {
		m, cat := c.Classify(data)
		if m != firstMime || cat != firstCategory {
			t.Fatalf("run %d: got (%q, %q), want (%q, %q)", i, m, cat, firstMime, firstCategory)
		}
	}
}

func TestClassify_AliasesResolveInStableOrder(t *testing.T) {
	wav := append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 24)...)
	cfg := &config.FormatConfig{
		Image: []string{"audio/x-wav"},
		Video: []string{"audio/wave"},
	}

	for i := 0; i < 20; i++ {
		mime, category := NewClassifier(cfg).Classify(wav)
		if mime != "audio/wav" || category != model.CategoryVideo {
			t.Fatalf("run %d: got (%q, %q), want (audio/wav, video)", i, mime, category)
		}
	}
}

func TestClassify_SubtypeFollowsListedParent(t *testing.T) {
	c := NewClassifier(&config.FormatConfig{
		Image: []string{"image/png"},
		Video: []string{"image/vnd.mozilla.apng"},
	})
	mime, category := c.Classify(apng(t))
	if mime != "image/vnd.mozilla.apng" || category != model.CategoryVideo {
		t.Errorf("got (%q, %q), the most specific listed type must win", mime, category)
	}
}

func TestClassify_AllowListIsConfigurable(t *testing.T) {
	gifData := encoded(t, func(b *bytes.Buffer, img image.Image) error { return gif.Encode(b, img, nil) })

	c := NewClassifier(&config.FormatConfig{Image: []string{"image/gif"}})
	if _, category := c.Classify(gifData); category != model.CategoryImage {
		t.Errorf("gif category = %q, want image", category)
	}

	c = NewClassifier(&config.FormatConfig{Image: []string{"image/png"}})
	if _, category := c.Classify(gifData); category != model.CategoryUnsupported {
		t.Errorf("gif category = %q, want unsupported", category)
	}
}
