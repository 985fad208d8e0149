package ingestion

import "sync"

//deviceLocks serializes the deadband decide-then-write section per device id
type deviceLocks struct {
	mtx   sync.Mutex
	locks map[uint]*sync.Mutex
}

//lock acquires the lock for a device and returns the matching unlock func
func (d *deviceLocks) lock(deviceID uint) func() {
	d.mtx.Lock()
	if d.locks == nil {
		d.locks = map[uint]*sync.Mutex{}
	}
	l, ok := d.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[deviceID] = l
	}
	d.mtx.Unlock()

	l.Lock()
	return l.Unlock
}
