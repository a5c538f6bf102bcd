package remoting

// Refs reports the number of outstanding refs.
func (d *Distributor) Refs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.refs)
}
