// Package upload copies a local file into an object store bucket addressed
// by a gocloud blob URI. The core treats the store as opaque: any registered
// driver works.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gocloud.dev/blob"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"
)

// Error is a transport or auth failure while uploading. It halts the
// pipeline before any remote SQL runs.
type Error struct {
	Path   string
	Bucket string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("uploading %s to %s: %v", e.Path, e.Bucket, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// File uploads the file at path to the bucket and returns the object key,
// which is the file's base name.
func File(ctx context.Context, bucketURI, path string) (string, error) {
	key := filepath.Base(path)

	bkt, err := blob.OpenBucket(ctx, bucketURI)
	if err != nil {
		return "", &Error{Path: path, Bucket: bucketURI, Err: err}
	}
	defer bkt.Close()

	in, err := os.Open(path)
	if err != nil {
		return "", &Error{Path: path, Bucket: bucketURI, Err: err}
	}
	defer in.Close()

	wr, err := bkt.NewWriter(ctx, key, nil)
	if err != nil {
		return "", &Error{Path: path, Bucket: bucketURI, Err: err}
	}
	if _, err := io.Copy(wr, in); err != nil {
		wr.Close()
		return "", &Error{Path: path, Bucket: bucketURI, Err: err}
	}
	if err := wr.Close(); err != nil {
		return "", &Error{Path: path, Bucket: bucketURI, Err: err}
	}
	return key, nil
}
