package cache

import "context"

// NoopCache is the disk tier used when persistence is disabled.
type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Read(_ context.Context, _ string) ([]byte, bool) {
	return nil, false
}

func (c *NoopCache) Write(_ context.Context, _ string, _ []byte) error {
	return nil
}

func (c *NoopCache) Delete(_ context.Context, _ string) error {
	return nil
}

func (c *NoopCache) ClearAll(_ context.Context) error {
	return nil
}
