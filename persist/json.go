package persist

import (
	"bytes"
	"encoding/json"
	"io"
	"os"

	"github.com/MichaelHDesigns/lux/build"
)

// Save saves metadata-tagged json data to a writer.
func Save(meta Metadata, data interface{}, w io.Writer) error {
	b, err := json.MarshalIndent(data, "", "\t")
	if err != nil {
		return build.ExtendErr("unable to marshal the provided object", err)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(meta.Header); err != nil {
		return build.ExtendErr("unable to encode metadata header", err)
	}
	if err := enc.Encode(meta.Version); err != nil {
		return build.ExtendErr("unable to encode metadata version", err)
	}
	if _, err = w.Write(b); err != nil {
		return build.ExtendErr("unable to write json data", err)
	}
	return nil
}

// Load loads metadata-tagged json data from a reader.
func Load(meta Metadata, data interface{}, r io.Reader) error {
	var header, version string
	dec := json.NewDecoder(r)
	if err := dec.Decode(&header); err != nil {
		return build.ExtendErr("unable to read header", err)
	}
	if header != meta.Header {
		return ErrBadHeader
	}
	if err := dec.Decode(&version); err != nil {
		return build.ExtendErr("unable to read version", err)
	}
	if version != meta.Version {
		return ErrBadVersion
	}
	if err := dec.Decode(data); err != nil {
		return build.ExtendErr("unable to read json data", err)
	}
	return nil
}

// SaveJSON saves a json object to disk in a durable, atomic way: the data is
// written and synced to a temp file, which is then renamed over the real
// file.
func SaveJSON(meta Metadata, object interface{}, filename string) error {
	buf := new(bytes.Buffer)
	if err := Save(meta, object, buf); err != nil {
		return err
	}

	tmpname := filename + tempSuffix
	err := func() (err error) {
		file, err := os.OpenFile(tmpname, os.O_RDWR|os.O_TRUNC|os.O_CREATE, 0600)
		if err != nil {
			return build.ExtendErr("unable to open temp file", err)
		}
		defer func() {
			err = build.ComposeErrors(err, file.Close())
		}()
		if _, err = file.Write(buf.Bytes()); err != nil {
			return build.ExtendErr("unable to write temp file", err)
		}
		if err = file.Sync(); err != nil {
			return build.ExtendErr("unable to sync temp file", err)
		}
		return nil
	}()
	if err != nil {
		return err
	}
	return build.ExtendErr("unable to replace settings file", os.Rename(tmpname, filename))
}

// LoadJSON loads a persisted json object from disk.
func LoadJSON(meta Metadata, object interface{}, filename string) error {
	file, err := os.Open(filename)
	if os.IsNotExist(err) {
		return err
	}
	if err != nil {
		return build.ExtendErr("unable to open persisted json object file", err)
	}
	defer file.Close()
	return Load(meta, object, file)
}
