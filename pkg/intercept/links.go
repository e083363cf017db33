package intercept

import (
	"sort"
	"strconv"
	"sync"

	"github.com/vishvananda/netlink"
)

// Links resolves interface indexes to names through netlink and caches
// the answers. The zero value is ready to use.
type Links struct {
	mu    sync.RWMutex
	names map[uint32]string
	// lookup is netlink.LinkByIndex outside tests.
	lookup func(int) (netlink.Link, error)
}

// Name returns the name of interface idx, or its number when the link
// cannot be found.
func (l *Links) Name(idx uint32) string {
	if idx == 0 {
		return ""
	}
	l.mu.RLock()
	name, ok := l.names[idx]
	l.mu.RUnlock()
	if ok {
		return name
	}

	lookup := l.lookup
	if lookup == nil {
		lookup = netlink.LinkByIndex
	}
	link, err := lookup(int(idx))
	if err != nil {
		return strconv.FormatUint(uint64(idx), 10)
	}
	name = link.Attrs().Name

	l.mu.Lock()
	if l.names == nil {
		l.names = make(map[uint32]string)
	}
	l.names[idx] = name
	l.mu.Unlock()
	return name
}

// Forget drops cached names so renamed links are picked up.
func (l *Links) Forget() {
	l.mu.Lock()
	l.names = nil
	l.mu.Unlock()
}

// List returns the names of all links, sorted.
func List() []string {
	links, err := netlink.LinkList()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(links))
	for _, link := range links {
		names = append(names, link.Attrs().Name)
	}
	sort.Strings(names)
	return names
}
