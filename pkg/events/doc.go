// Package events is the in-process pub/sub bus for fleet occurrences:
// job lifecycle, robot connectivity and schedule firings. Delivery is
// best-effort per subscriber; a full subscriber buffer drops the event
// for that subscriber only.
package events
