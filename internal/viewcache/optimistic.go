package viewcache

// WithRollback snapshots the entry for key before running fn and restores the
// snapshot verbatim when fn fails, returning fn's original error. Only the
// order-create path uses this; every other operation waits for the
// authoritative result.
func (c *Cache) WithRollback(key string, fn func() error) error {
	snap := c.Snapshot(key)
	if err := fn(); err != nil {
		c.Restore(snap)
		return err
	}
	return nil
}
