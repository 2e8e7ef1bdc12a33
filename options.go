package squashfs

// Option customizes how OpenWith builds an Image, following the functional-options
// pattern.
type Option func(*openConfig) error

type openConfig struct {
	eagerDirs bool
}

// WithEagerDirectoryLoad decodes the entire directory table into memory at Open time
// instead of lazily per-MetaReader-block. Useful for short-lived processes (eg. the
// sqfsdump CLI) that are about to walk most of the tree anyway and would rather pay one
// up-front decode than many small ones.
func WithEagerDirectoryLoad() Option {
	return func(c *openConfig) error {
		c.eagerDirs = true
		return nil
	}
}

// OpenWith is Open with functional options applied.
func OpenWith(src BlockSource, opts ...Option) (*Image, error) {
	cfg := &openConfig{}
	for _, o := range opts {
		if err := o(cfg); err != nil {
			return nil, err
		}
	}
	img, err := Open(src)
	if err != nil {
		return nil, err
	}
	if cfg.eagerDirs {
		if _, err := img.dirs.mr.ReadAll(); err != nil {
			return nil, err
		}
	}
	return img, nil
}
