// Package rate implements a Redis fixed-window counter used to throttle the
// login and refresh endpoints per client address.
//
// The first hit in a window sets the key's TTL; later hits only increment.
package rate
