// Package bridge owns a fixed-capacity table of isolated script contexts
// addressed by opaque string identifiers. Hosts create a context, evaluate
// source in it, drain its pending jobs, settle promises and finally dispose
// it; values cross the boundary only as JSON text.
package bridge
