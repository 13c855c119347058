// Package ratelimit is per-client-IP token bucket limiting for the lookup API.
//
// State is in memory and per instance. It blunts a single client hammering
// the API and bounds its own memory with a visitor cap; distributed floods
// belong to the load balancer or CDN in front.
package ratelimit
