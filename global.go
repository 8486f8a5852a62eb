package hark

import "sync"

var (
	globalLk sync.Mutex
	global   *Discovery
)

// Init returns the process-wide `Discovery`, creating it with `opts` on
// the first call. Later calls return the same instance and ignore `opts`.
//
// Prefer owning an instance from `Create` and passing it around. Init is
// for programs where several independent components need to share the
// single multicast membership of the process.
func Init(opts ...Option) (*Discovery, error) {
	globalLk.Lock()
	defer globalLk.Unlock()
	if global != nil {
		return global, nil
	}

	d, err := Create(opts...)
	if err != nil {
		return nil, err
	}
	global = d
	return global, nil
}

// Default returns the process-wide `Discovery` created by `Init`, or
// `ErrNotInitialized`.
func Default() (*Discovery, error) {
	globalLk.Lock()
	defer globalLk.Unlock()
	if global == nil {
		return nil, ErrNotInitialized
	}
	return global, nil
}
