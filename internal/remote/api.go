// Package remote serves local trees to other pismo instances over HTTP and
// provides the client side used to read and modify trees on a remote.
//
// All calls except uploads go to POST /api with a JSON body naming the method
// and its parameters. Uploads are two-step: prepare-put-file returns a single
// use id, and the content is then sent with PUT /upload carrying that id in the
// X-Pismo-Put-Id header.
package remote

import (
	"encoding/json"
	"time"

	"github.com/schaermu/pismo/internal/apply"
	"github.com/schaermu/pismo/internal/tree"
)

// API methods.
const (
	MethodGetTrees       = "get-trees"
	MethodGetFileTime    = "get-file-time"
	MethodSetFileTime    = "set-file-time"
	MethodGetFile        = "get-file"
	MethodPreparePutFile = "prepare-put-file"
	MethodDeleteFile     = "delete-file"
)

// PutIDHeader carries the upload id on PUT /upload.
const PutIDHeader = "X-Pismo-Put-Id"

// FileModeHeader carries the octal permission bits of a get-file response.
const FileModeHeader = "X-Pismo-File-Mode"

// Request is the body of POST /api.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// FileParams addresses a file inside a served tree.
type FileParams struct {
	TreeName     string `json:"treename"`
	RelativePath string `json:"relativePath"`
}

// FileTime is the wire form of a file's timestamps.
type FileTime struct {
	MtimeS  int64 `json:"mtimeS"`
	MtimeNs int64 `json:"mtimeNs"`
	AtimeS  int64 `json:"atimeS"`
	AtimeNs int64 `json:"atimeNs"`
}

// NewFileTime converts local timestamps to the wire form.
func NewFileTime(t apply.Times) FileTime {
	return FileTime{
		MtimeS:  t.Mtime.Unix(),
		MtimeNs: int64(t.Mtime.Nanosecond()),
		AtimeS:  t.Atime.Unix(),
		AtimeNs: int64(t.Atime.Nanosecond()),
	}
}

// Times converts the wire form back to timestamps. A zero atime, as sent by
// older servers, is replaced by the mtime.
func (f FileTime) Times() apply.Times {
	mtime := time.Unix(f.MtimeS, f.MtimeNs)
	atime := time.Unix(f.AtimeS, f.AtimeNs)
	if f.AtimeS == 0 && f.AtimeNs == 0 {
		atime = mtime
	}
	return apply.Times{Atime: atime, Mtime: mtime}
}

// SetFileTimeParams are the parameters of set-file-time.
type SetFileTimeParams struct {
	FileParams
	FileTime
}

// PreparePutParams are the parameters of prepare-put-file.
type PreparePutParams struct {
	FileParams
	FileSize int64 `json:"filesize"`
	// FileMode holds permission bits; 0 keeps the mode of an existing file.
	FileMode uint32 `json:"filemode,omitempty"`
}

// TreeEntry is one served tree with its full tree file.
type TreeEntry struct {
	TreeName string         `json:"treename"`
	TreeFile *tree.Snapshot `json:"treefile"`
}

// TreesResponse is the result of get-trees.
type TreesResponse struct {
	Trees []TreeEntry `json:"trees"`
}

// PutResponse is the result of prepare-put-file.
type PutResponse struct {
	PutID string `json:"putId"`
}
