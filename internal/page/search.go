package page

// LowerBound returns the first slot whose key is >= key.
func (p *Page) LowerBound(key []byte, cmp Compare) (int, error) {
	return p.search(key, cmp, false)
}

// UpperBound returns the first slot whose key is > key.
func (p *Page) UpperBound(key []byte, cmp Compare) (int, error) {
	return p.search(key, cmp, true)
}

func (p *Page) search(key []byte, cmp Compare, upper bool) (int, error) {
	lo, hi := 0, p.Count()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		it, err := p.Item(mid)
		if err != nil {
			return 0, err
		}
		c := cmp(it.Key, key)
		if c < 0 || (upper && c == 0) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}
