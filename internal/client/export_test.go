package client

// Tracked returns how many users have a watcher, running or idle.
func (c *Client) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reconcilers)
}
