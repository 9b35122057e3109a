// Package script defines the engine capability that the bridge drives:
// an isolated, single-threaded script runtime that evaluates programs,
// runs pending jobs one at a time and converts values to and from JSON.
// Engines are created through a name-keyed Registry of factories; the
// built-in implementation is backed by goja.
package script
