package blob

import (
	"context"
	"fmt"
)

// Options selects and configures an object store driver.
type Options struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open constructs the Store described by opts. An empty driver selects memory.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverFilesystem:
		return NewFilesystem(opts.FSRoot)
	case DriverS3:
		return NewS3(ctx, opts.S3)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", opts.Driver)
	}
}
