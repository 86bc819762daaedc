package seekable

import (
	"testing"

	"go.uber.org/zap"

	"github.com/zstdseek/zstdseek/internal/fixture"
)

// FuzzParseSeekableFooter asserts the footer parser never panics on
// truncated or bit-flipped seek tables, and that a reported success always
// implies a sane fullyInitialized jump table.
func FuzzParseSeekableFooter(f *testing.F) {
	good, err := fixture.EncodeFrames([][]byte{[]byte("test"), []byte("test2")})
	if err != nil {
		f.Fatal(err)
	}
	f.Add(good)
	f.Add(good[:len(good)-1])
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, in []byte) {
		src := newBufferSource(in)
		jt := newJumpTable(zap.NewNop())
		ok, err := jt.parseSeekableFooter(src)
		if err != nil {
			return
		}
		if ok && !jt.fullyInitialized {
			t.Fatal("parseSeekableFooter reported success without fully initializing the jump table")
		}
	})
}
