package seekable

import (
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Option configures a Context at construction time.
type Option func(*options) error

type options struct {
	logger          *zap.Logger
	zstdDOpts       []zstd.DOption
	verifyChecksums bool
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
	}
}

// WithLogger routes this package's debug channel through l instead of the
// default no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) error {
		o.logger = l
		return nil
	}
}

// WithZSTDDecoderOptions passes options through to the underlying
// github.com/klauspost/compress/zstd decoder sessions (both the Context's
// main decoder and any throwaway ones the progressive scanner creates).
func WithZSTDDecoderOptions(opts ...zstd.DOption) Option {
	return func(o *options) error {
		o.zstdDOpts = opts
		return nil
	}
}

// WithChecksumVerification enables verifying each frame's decoded bytes
// against the per-frame XXH64-derived checksum carried by a seekable-format
// footer, when one was present. Off by default, since it costs a hash over
// every decoded byte. Has no effect when the jump table was built by
// progressive scan (no checksums recorded).
func WithChecksumVerification() Option {
	return func(o *options) error {
		o.verifyChecksums = true
		return nil
	}
}
