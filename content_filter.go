/*
File: content_filter.go
Version: 1.0.0
Description: Streaming response body filter. Chunks are accumulated and hashed with SHA-256;
             once the body is complete the digest is looked up in the installed blacklist and
             the body is either written through verbatim or dropped. The decision is made once.
*/

package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

const filterChunkSize = 32 * 1024

// ContentResult describes what happened to one body.
type ContentResult struct {
	Hash           string `json:"hash,omitempty"`
	Found          bool   `json:"found"`
	HasReplacement bool   `json:"has_replacement"`
	Blocked        bool   `json:"blocked"`
	Bytes          int64  `json:"bytes"`
	Oversize       bool   `json:"oversize,omitempty"`
	Err            error  `json:"-"`
}

type ContentFilter struct {
	store   *HashStore
	maxBody int64
}

func NewContentFilter(store *HashStore, maxBody int64) *ContentFilter {
	return &ContentFilter{store: store, maxBody: maxBody}
}

// HashBytes is the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Filter consumes body and writes it to w unless it must be dropped. dropAnyway
// drops the body even when the hash is unknown (classifier verdict). Read failures
// fail open: everything received so far is written through.
func (f *ContentFilter) Filter(ctx context.Context, body io.Reader, w io.Writer, dropAnyway bool) ContentResult {
	var res ContentResult
	var buf bytes.Buffer
	h := sha256.New()
	chunk := make([]byte, filterChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return f.passThrough(&buf, w, res)
		}

		n, err := body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			h.Write(chunk[:n])
			res.Bytes += int64(n)

			if f.maxBody > 0 && res.Bytes > f.maxBody {
				res.Oversize = true
				if dropAnyway {
					// the classifier verdict stands without a hash
					drained, derr := io.Copy(io.Discard, body)
					res.Bytes += drained
					res.Blocked = true
					res.Err = derr
					return res
				}
				res = f.passThrough(&buf, w, res)
				copied, cerr := io.Copy(w, body)
				res.Bytes += copied
				if cerr != nil && res.Err == nil {
					res.Err = cerr
				}
				return res
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Err = err
			return f.passThrough(&buf, w, res)
		}
	}

	res.Hash = hex.EncodeToString(h.Sum(nil))
	res.Found, res.HasReplacement = f.store.Lookup(res.Hash)
	res.Blocked = res.Found || dropAnyway

	if res.Blocked {
		return res
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		res.Err = err
	}
	return res
}

func (f *ContentFilter) passThrough(buf *bytes.Buffer, w io.Writer, res ContentResult) ContentResult {
	res.Blocked = false
	if buf.Len() > 0 {
		if _, err := w.Write(buf.Bytes()); err != nil && res.Err == nil {
			res.Err = err
		}
	}
	return res
}
