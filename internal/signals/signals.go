// Package signals wakes sleeping loops in the same process. A signal is a
// hint only, listeners must still poll the store on their own.
package signals

import (
	"sync"
)

type Signal string

const NewJobInSpool Signal = "new-job-in-spool"

var mu sync.RWMutex
var sigs = map[Signal][]chan struct{}{}

// Broadcast wakes every listener of channel. Listeners that already have a
// pending wake-up are skipped.
func Broadcast(channel Signal) {
	mu.RLock()
	defer mu.RUnlock()
	for _, c := range sigs[channel] {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func Listen(channel Signal) (signal <-chan struct{}, cancel func()) {
	mu.Lock()
	defer mu.Unlock()
	c := make(chan struct{}, 1)

	sigs[channel] = append(sigs[channel], c)

	return c, func() {
		mu.Lock()
		defer mu.Unlock()

		var chans []chan struct{}
		for _, cc := range sigs[channel] {
			if cc == c {
				continue
			}
			chans = append(chans, cc)
		}
		sigs[channel] = chans
	}
}
