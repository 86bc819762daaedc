package seekable

import (
	"io"
	"testing"

	"github.com/zstdseek/zstdseek/internal/fixture"
)

// FuzzNewReader exercises the full construction path (first-frame
// validation, footer parse, scan fallback) against arbitrary bytes. It must
// never panic, regardless of how malformed the input is.
func FuzzNewReader(f *testing.F) {
	good, err := sourceBytes()
	if err != nil {
		f.Fatal(err)
	}
	f.Add(good)
	f.Add([]byte{})
	f.Add([]byte{0x28, 0xb5, 0x2f, 0xfd})
	f.Add(append([]byte{0x28, 0xb5, 0x2f, 0xfd}, good...))

	f.Fuzz(func(t *testing.T, in []byte) {
		r, err := NewReader(in)
		if err != nil {
			return
		}
		defer r.Close()

		tmp := make([]byte, 16)
		_, _ = r.Read(tmp)
		_, _ = r.Seek(0, io.SeekEnd)
		_, _ = r.GetNumberOfFrames()
	})
}

// FuzzSeekRead checks that whatever Read returns after an arbitrary Seek on
// a well-formed stream always agrees with an equivalent ReadAt.
func FuzzSeekRead(f *testing.F) {
	good, err := sourceBytes()
	if err != nil {
		f.Fatal(err)
	}
	f.Add(int64(0), uint8(1), int(io.SeekStart))
	f.Add(int64(-1), uint8(2), int(io.SeekEnd))
	f.Add(int64(1), uint8(0), int(io.SeekCurrent))

	f.Fuzz(func(t *testing.T, off int64, l uint8, whence int) {
		if whence < io.SeekStart || whence > io.SeekEnd {
			return
		}
		r, err := NewReader(good)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()

		i, err := r.Seek(off, whence)
		if err != nil {
			return
		}

		buf1 := make([]byte, l)
		n, err := r.Read(buf1)
		if err != nil && err != io.EOF {
			return
		}

		buf2 := make([]byte, n)
		m, err := r.ReadAt(buf2, i)
		if err != nil && err != io.EOF {
			t.Fatalf("ReadAt disagreed with Read: %v", err)
		}
		if m != n {
			t.Fatalf("ReadAt delivered %d bytes, Read delivered %d", m, n)
		}
		for idx := range buf2 {
			if buf1[idx] != buf2[idx] {
				t.Fatalf("ReadAt and Read disagree at byte %d", idx)
			}
		}
	})
}

func sourceBytes() ([]byte, error) {
	return fixture.EncodeFrames([][]byte{[]byte("test"), []byte("test2")})
}
