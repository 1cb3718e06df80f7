// Package overflow tracks events parked on overflow channels and decides
// when they are due to return to their main channel.
package overflow
