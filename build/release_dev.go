//go:build dev && !testing
// +build dev,!testing

package build

// Release is set to "dev" when the dev build tag is provided.
const Release = "dev"
