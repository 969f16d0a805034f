package firmwarerepo

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/ulikunitz/xz"
)

// decodePayload turns a downloaded distribution file into the raw merged
// firmware image. Release payloads come in three forms: a raw ".bin", an
// xz-compressed image, or a tarball holding the image.
func decodePayload(ctx context.Context, filename string, data []byte) ([]byte, error) {
	switch {
	case strings.HasSuffix(filename, ".xz"):
		body, err := decompressXZ(data)
		if err != nil {
			return nil, ErrPayload{Err: err, Filename: filename}
		}
		return body, nil
	case strings.HasSuffix(filename, ".tar.gz") || strings.HasSuffix(filename, ".tgz"):
		body, err := extractFromTarball(ctx, data)
		if err != nil {
			return nil, ErrPayload{Err: err, Filename: filename}
		}
		return body, nil
	}
	return data, nil
}

func decompressXZ(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unable to initialize xz-decompressor: %w", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to decompress: %w", err)
	}
	return body, nil
}

// extractFromTarball returns the firmware image from a tarball: the first
// ".bin" member of a plausible size.
func extractFromTarball(ctx context.Context, tarball []byte) ([]byte, error) {
	log := logger.FromCtx(ctx)

	gzReader, err := gzip.NewReader(bytes.NewReader(tarball))
	if err != nil {
		return nil, fmt.Errorf("unable to initialize gzip-decompressor: %w", err)
	}

	tarReader := tar.NewReader(gzReader)

	for {
		hdr, err := tarReader.Next()
		if err != nil {
			if err != io.EOF {
				return nil, fmt.Errorf("unable to read file headers from the tarball: %w", err)
			}
			break
		}
		log.Debugf("got '%s' file", hdr.Name)

		if !strings.HasSuffix(hdr.Name, ".bin") {
			continue
		}
		if hdr.Size < 1024 {
			// just in case
			log.Debugf("'%s' is small", hdr.Name)
			continue
		}

		data, err := io.ReadAll(tarReader)
		if err != nil {
			return nil, fmt.Errorf("unable to read file '%s': %w", hdr.Name, err)
		}
		return data, nil
	}

	return nil, fmt.Errorf("nothing in the tar.gz looks like a firmware image")
}
