// Package tracking maintains persistent identities for point objects seen
// as noisy 2D centroids, one frame at a time.
//
// Responsibilities: greedy gated nearest-neighbour association, the set of
// live tracks with generational handles, and the per-frame lifecycle
// (prune, predict, associate, update, spawn).
// Key types: Tracker, TrackSet, TrackUpdate, FrameResult.
//
// Per-track state estimation lives in the kalman subpackage. No I/O is
// allowed in this package; sources and sinks live in internal/source and
// internal/pipeline.
package tracking
