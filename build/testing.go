package build

import (
	"io"
	"os"
	"path/filepath"
)

var (
	// LuxTestingDir is the directory that contains all of the files and
	// folders created during testing.
	LuxTestingDir = filepath.Join(os.TempDir(), "LuxTesting")
)

// TempDir joins the provided directories and prefixes them with the lux
// testing directory.
func TempDir(dirs ...string) string {
	path := filepath.Join(LuxTestingDir, filepath.Join(dirs...))
	os.RemoveAll(path) // remove old test data
	return path
}

// CopyFile copies a file from a source to a destination.
func CopyFile(source, dest string) error {
	sf, err := os.Open(source)
	if err != nil {
		return err
	}
	defer sf.Close()

	df, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer df.Close()

	_, err = io.Copy(df, sf)
	if err != nil {
		return err
	}
	return nil
}
