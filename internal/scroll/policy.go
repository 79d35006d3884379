// Package scroll holds the stateless rules a chat screen applies to keep
// the viewport visually anchored while the message list grows at both ends.
package scroll

// Thresholds, in pixels, for treating the viewport as "at" an edge.
const (
	NearBottomThreshold = 100
	NearTopThreshold    = 40
)

// Viewport is a snapshot of the scrollable message list element.
type Viewport struct {
	// ScrollTop is the current scroll offset from the top.
	ScrollTop int
	// ScrollHeight is the total content height.
	ScrollHeight int
	// ClientHeight is the visible height.
	ClientHeight int
}

// NearBottom reports whether the viewport is scrolled to within the
// near-bottom threshold of the end of the list.
func NearBottom(v Viewport) bool {
	return v.ScrollTop+v.ClientHeight >= v.ScrollHeight-NearBottomThreshold
}

// NearTop reports whether the viewport is scrolled to within the near-top
// threshold of the start of the list.
func NearTop(v Viewport) bool {
	return v.ScrollTop <= NearTopThreshold
}

// ShouldStickToBottom decides whether a change in message count should
// scroll the viewport to the new bottom. The first non-empty render always
// does. After that, only tail growth counts - detected by the head identity
// staying put - and only when the user was already near the bottom; anything
// else leaves the scroll position alone.
func ShouldStickToBottom(prevCount, newCount int, prevHeadKey, newHeadKey string, v Viewport) bool {
	if newCount == 0 {
		return false
	}
	if prevCount == 0 {
		return true
	}
	if newCount <= prevCount {
		return false
	}
	if prevHeadKey != newHeadKey {
		// head changed: the growth was a prepend, keep the anchor
		return false
	}
	return NearBottom(v)
}

// ShouldLoadOlder gates the "load older history" trigger: the viewport must
// be near the top, history must not be exhausted, and no fetch may already
// be in flight.
func ShouldLoadOlder(v Viewport, hasMore, inFlight bool) bool {
	return NearTop(v) && hasMore && !inFlight
}

// OffsetAfterPrepend returns the scroll offset that keeps the previously
// visible message anchored after older content of height (newHeight -
// prevHeight) was prepended.
func OffsetAfterPrepend(prevOffset, prevHeight, newHeight int) int {
	return prevOffset + (newHeight - prevHeight)
}
