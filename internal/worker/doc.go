// Package worker runs user callbacks on a fixed pool of threads.
//
// Each thread owns one bounded FIFO queue; threads never steal.
// Threads below the pin boundary are reserved for pinned apps, giving
// those apps strictly serial execution of their own callbacks.
// Unpinned work is spread over the remaining threads round-robin, at
// random, or by queue depth. Panics in user handlers are caught and
// logged; a panic that somehow escapes marks the thread dead and the
// supervisor replaces it.
package worker
