// Package launcher starts and stops agent processes on behalf of the
// agent registry.
package launcher
