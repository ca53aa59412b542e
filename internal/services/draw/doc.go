// Package draw implements realtime coordination for multi-party draws.
//
// It keeps WebSocket lifecycle, event stamping, and room fan-out isolated
// from the commit/reveal computation itself: clients derive the winner from
// shared commit/reveal data and the service only aggregates their claims.
package draw
