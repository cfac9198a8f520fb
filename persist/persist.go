// Package persist provides the durable-state helpers shared by the lux
// modules: versioned JSON settings files, a bolt database wrapper, and a
// file-backed logger.
package persist

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"

	"github.com/MichaelHDesigns/lux/build"

	"gitlab.com/NebulousLabs/fastrand"
)

const (
	// tempSuffix is appended to a settings filename while the replacement
	// contents are being written.
	tempSuffix = "_temp"
)

var (
	// ErrBadVersion indicates that the version number of the file is not
	// the version number expected.
	ErrBadVersion = errors.New("incompatible version")

	// ErrBadHeader indicates that the file opened is not the file that was
	// expected.
	ErrBadHeader = errors.New("wrong header")
)

// Metadata contains the header and version of the data being stored.
type Metadata struct {
	Header, Version string
}

// RandomSuffix returns a 20 character hex suffix for a filename. There are
// 80 bits of entropy, and a very low probability of colliding with existing
// files unintentionally.
func RandomSuffix() string {
	return hex.EncodeToString(fastrand.Bytes(10))
}

// HomeFolder returns the default lux data directory.
var HomeFolder = func() string {
	// Use a special folder during testing.
	if build.Release == "testing" {
		return filepath.Join(build.LuxTestingDir, "home")
	}

	home, err := homedir.Dir()
	if err != nil {
		os.Stderr.WriteString("could not find homedir: " + err.Error() + "\n")
		return ""
	}
	return filepath.Join(home, ".lux")
}()
