package rendler

import (
	"context"
	"io"
	"time"
)

// DriverStatus is the final state a driver reports when Run returns.
type DriverStatus string

// Driver run outcomes.
const (
	DriverStopped DriverStatus = "DRIVER_STOPPED"
	DriverAborted DriverStatus = "DRIVER_ABORTED"
)

// Driver carries scheduler decisions to the cluster manager. Launch and Decline are
// fire-and-forget from the scheduler's point of view.
type Driver interface {
	// Run registers with the cluster manager and delivers events to the scheduler until the
	// driver is stopped, aborted, or ctx ends.
	Run(ctx context.Context) (DriverStatus, error)
	// Launch starts the given tasks against a single offer.
	Launch(ctx context.Context, offerID string, tasks []LaunchDirective) error
	// Decline returns an unused offer to the cluster manager.
	Decline(ctx context.Context, offerID string) error
	// Stop unregisters and makes Run return DriverStopped.
	Stop()
	// Abort makes Run return DriverAborted without unregistering.
	Abort()
}

// Scheduler is the callback set a Driver invokes. Returning from StatusUpdate
// acknowledges the update.
type Scheduler interface {
	Registered(ctx context.Context, driver Driver, frameworkID string, master MasterInfo)
	Reregistered(ctx context.Context, driver Driver, master MasterInfo)
	Disconnected(ctx context.Context, driver Driver)
	ResourceOffers(ctx context.Context, driver Driver, offers []Offer)
	OfferRescinded(ctx context.Context, driver Driver, offerID string)
	StatusUpdate(ctx context.Context, driver Driver, update StatusUpdate)
	FrameworkMessage(ctx context.Context, driver Driver, executorID, nodeID string, data []byte)
	NodeLost(ctx context.Context, driver Driver, nodeID string)
	ExecutorLost(ctx context.Context, driver Driver, executorID, nodeID string, status int)
	Error(ctx context.Context, driver Driver, message string)
}

// BlobStore writes artifacts (rendered images, graph files) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes result notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used for content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
