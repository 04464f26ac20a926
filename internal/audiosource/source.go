// Package audiosource implements the Audio Source abstraction: live
// device capture and wall-clock-paced mock file playback behind one
// shared capability set, matching goshadertoy's audio.AudioDevice
// interface (Start/Stop/SampleRate) generalized to expose a Feature
// Queue instead of a raw sample channel, since here feature extraction
// happens inside the source rather than downstream of it.
package audiosource

import (
	"context"

	"github.com/rayfollow/scorefollower/internal/queue"
)

// Source is the capability every Audio Source variant provides. The
// OLTW engine depends only on Queue() — it never knows whether frames
// came from a live device or a decoded file.
type Source interface {
	// Start acquires the underlying resource (device or file) and
	// begins producing feature frames onto Queue(). ctx cancellation
	// triggers the same cleanup as an explicit Stop call.
	Start(ctx context.Context) error
	// Stop halts production and releases the resource on every exit
	// path. Safe to call multiple times.
	Stop() error
	// Queue returns the Feature Queue frames are pushed onto.
	Queue() *queue.Queue
}
