//go:build !testing && !dev
// +build !testing,!dev

package build

// Release is set to "standard" for production binaries. The "dev" and
// "testing" build tags select shorter protocol timeouts and smaller default
// quotas.
const Release = "standard"
