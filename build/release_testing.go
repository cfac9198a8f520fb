//go:build testing
// +build testing

package build

// Release is set to "testing" when the testing build tag is provided.
const Release = "testing"
