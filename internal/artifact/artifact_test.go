package artifact

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"testing"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 40), G: uint8(y * 40), B: 200, A: 255})
		}
	}
	return img
}

func TestImageCodecRoundTrip(t *testing.T) {
	codec := ImageCodec{}
	data, err := codec.Encode(&Artifact{Key: "k", Image: testImage(4, 3)})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	got, err := codec.Decode("k", data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Format != "png" || got.Key != "k" {
		t.Fatalf("unexpected artifact: key=%s format=%s", got.Key, got.Format)
	}
	if got.Image.Bounds() != image.Rect(0, 0, 4, 3) {
		t.Fatalf("unexpected bounds: %v", got.Image.Bounds())
	}
	r, g, b, a := got.Image.At(2, 1).RGBA()
	wr, wg, wb, wa := testImage(4, 3).At(2, 1).RGBA()
	if r != wr || g != wg || b != wb || a != wa {
		t.Fatalf("pixel mismatch after round trip")
	}
}

func TestImageCodecDecodesOtherFormats(t *testing.T) {
	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, testImage(8, 8), nil); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}
	var gifBuf bytes.Buffer
	if err := gif.Encode(&gifBuf, testImage(8, 8), nil); err != nil {
		t.Fatalf("gif encode: %v", err)
	}

	for format, data := range map[string][]byte{"jpeg": jpg.Bytes(), "gif": gifBuf.Bytes()} {
		got, err := ImageCodec{}.Decode("k", data)
		if err != nil {
			t.Fatalf("decode %s: %v", format, err)
		}
		if got.Format != format {
			t.Fatalf("expected format %s, got %s", format, got.Format)
		}
		if Footprint(got) <= 0 {
			t.Fatalf("expected positive footprint for %s", format)
		}
	}
}

func TestImageCodecRejectsGarbage(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("not an image")} {
		if _, err := (ImageCodec{}).Decode("k", data); !errors.Is(err, ErrDecode) {
			t.Fatalf("expected ErrDecode, got %v", err)
		}
	}
	if _, err := (ImageCodec{}).Encode(&Artifact{Key: "k"}); err == nil {
		t.Fatalf("expected error encoding empty artifact")
	}
}

func TestFootprint(t *testing.T) {
	testCases := []struct {
		name string
		img  image.Image
		want int64
	}{
		{"rgba", image.NewRGBA(image.Rect(0, 0, 4, 3)), 48},
		{"gray", image.NewGray(image.Rect(0, 0, 4, 3)), 12},
		{"paletted", image.NewPaletted(image.Rect(0, 0, 4, 3), color.Palette{color.Black, color.White}), 12 + 8},
		{"ycbcr", image.NewYCbCr(image.Rect(0, 0, 4, 4), image.YCbCrSubsampleRatio420), 16 + 4 + 4},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Footprint(&Artifact{Image: tc.img}); got != tc.want {
				t.Fatalf("footprint=%d want %d", got, tc.want)
			}
		})
	}
	if Footprint(nil) != 0 {
		t.Fatalf("nil artifact should weigh nothing")
	}
}

func TestCompressors(t *testing.T) {
	payload := bytes.Repeat([]byte("tiercache"), 100)
	for _, name := range []string{"", "none", "snappy", "SNAPPY"} {
		c, err := CompressorByName(name)
		if err != nil {
			t.Fatalf("compressor %q: %v", name, err)
		}
		out, err := c.Decompress(c.Compress(payload))
		if err != nil {
			t.Fatalf("%s decompress: %v", c.Name(), err)
		}
		if !bytes.Equal(out, payload) {
			t.Fatalf("%s round trip mismatch", c.Name())
		}
	}
	if len(Snappy.Compress(payload)) >= len(payload) {
		t.Fatalf("snappy should shrink repetitive payload")
	}
	if _, err := Snappy.Decompress([]byte{0xff, 0xff, 0xff}); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for corrupt snappy block, got %v", err)
	}
	if _, err := CompressorByName("zstd"); err == nil {
		t.Fatalf("expected unknown compression error")
	}
}
